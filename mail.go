package milou

import (
	"context"
	"time"

	"github.com/milou-mail/milou/store"
)

// Mail is a handle to a stored mail, bound to the viewer's client.
// Read accessors reflect the record as of retrieval; mutation methods go
// through the client so permission checks and event publication stay in
// one place.
type Mail struct {
	data    *store.Mail
	mailbox *userMailbox
}

// newMail wraps a store record in a viewer-bound handle.
func newMail(data *store.Mail, mailbox *userMailbox) *Mail {
	return &Mail{data: data, mailbox: mailbox}
}

// ID returns the durable numeric identifier.
func (m *Mail) ID() int64 { return m.data.ID }

// Code returns the short opaque reference used by external callers.
func (m *Mail) Code() string { return m.data.Code }

// SenderID returns the sending user's id.
func (m *Mail) SenderID() int64 { return m.data.SenderID }

// Subject returns the subject line.
func (m *Mail) Subject() string { return m.data.Subject }

// Body returns the body text.
func (m *Mail) Body() string { return m.data.Body }

// SentDate returns the creation timestamp.
func (m *Mail) SentDate() time.Time { return m.data.SentDate }

// RecipientIDs returns the recipient ids in delivery order.
func (m *Mail) RecipientIDs() []int64 { return m.data.RecipientIDs() }

// IsReadBy reports whether the given recipient has read the mail.
// Non-recipients always read as false.
func (m *Mail) IsReadBy(recipientID int64) bool {
	d := m.data.DeliveryFor(recipientID)
	return d != nil && d.Read
}

// InTrashFor reports whether the mail sits in the given viewer's trash:
// the delivery flag for recipients, the mail-level flag for the sender.
func (m *Mail) InTrashFor(viewerID int64) bool {
	if d := m.data.DeliveryFor(viewerID); d != nil {
		return d.Deleted
	}
	if m.data.SenderID == viewerID {
		return m.data.Deleted
	}
	return false
}

// TrashedBySender reports the sender-side trash flag.
func (m *Mail) TrashedBySender() bool { return m.data.Deleted }

// Equal reports whether two handles refer to the same stored mail.
func (m *Mail) Equal(other *Mail) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.data.ID == other.data.ID && m.data.Code == other.data.Code
}

// MarkRead marks the mail read for the viewer.
func (m *Mail) MarkRead(ctx context.Context) error {
	return m.mailbox.MarkRead(ctx, m.data.ID)
}

// Trash moves the mail to the viewer's trash.
func (m *Mail) Trash(ctx context.Context) error {
	return m.mailbox.MoveToTrash(ctx, m.data.ID)
}

// Restore takes the mail back out of the viewer's trash.
func (m *Mail) Restore(ctx context.Context) error {
	return m.mailbox.RestoreFromTrash(ctx, m.data.ID)
}

// Summary is the folder-listing projection of a mail. Read and trash
// state are scoped to the viewer the listing was made for.
type Summary struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	SentDate    time.Time `json:"sent_date"`
	IsRead      bool      `json:"is_read"`
	IsDeleted   bool      `json:"is_deleted"`
}
