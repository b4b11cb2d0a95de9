package store

import "time"

// Mail is a stored mail record. The subject, body, sender and recipient set
// never change after creation; only the trash flags and the per-recipient
// delivery state are mutable, through the specific store operations.
type Mail struct {
	// ID is the durable numeric identifier assigned by the store.
	ID int64

	// Code is the short opaque reference used by external callers.
	// Unique across all mails.
	Code string

	// SenderID is the numeric identifier of the sending user.
	SenderID int64

	Subject string
	Body    string

	// SentDate is the creation timestamp (UTC).
	SentDate time.Time

	// Deleted is the sender-side trash flag. It never affects what
	// recipients see.
	Deleted   bool
	DeletedAt time.Time

	// Deliveries holds one record per recipient. A mail always has at
	// least one delivery; deliveries are created with the mail and removed
	// only when the mail itself is removed.
	Deliveries []Delivery
}

// Delivery is the per-recipient delivery record of a mail. Read and trash
// state live here so each recipient's view is independent.
type Delivery struct {
	MailID      int64
	RecipientID int64

	Read bool

	// Deleted is the recipient-side trash flag.
	Deleted   bool
	DeletedAt time.Time
}

// DeliveryFor returns the delivery record for the given recipient,
// or nil if the user is not a recipient of this mail.
func (m *Mail) DeliveryFor(recipientID int64) *Delivery {
	for i := range m.Deliveries {
		if m.Deliveries[i].RecipientID == recipientID {
			return &m.Deliveries[i]
		}
	}
	return nil
}

// IsRecipient reports whether the given user has a delivery record.
func (m *Mail) IsRecipient(userID int64) bool {
	return m.DeliveryFor(userID) != nil
}

// RecipientIDs returns the recipient ids in delivery order.
func (m *Mail) RecipientIDs() []int64 {
	ids := make([]int64, len(m.Deliveries))
	for i, d := range m.Deliveries {
		ids[i] = d.RecipientID
	}
	return ids
}

// Clone returns a deep copy of the mail.
func (m *Mail) Clone() *Mail {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Deliveries = make([]Delivery, len(m.Deliveries))
	copy(clone.Deliveries, m.Deliveries)
	return &clone
}

// MailData is the input for creating a mail. The store assigns the ID and
// creates one delivery record per recipient in a single atomic operation.
type MailData struct {
	Code         string
	SenderID     int64
	RecipientIDs []int64
	Subject      string
	Body         string
	SentDate     time.Time
}

// Validate checks the structural requirements every backend enforces before
// writing. Content limits are the caller's concern; this only guards the
// integrity of the record itself.
func (d MailData) Validate() error {
	if d.Code == "" {
		return ErrEmptyCode
	}
	if d.SenderID <= 0 {
		return ErrInvalidID
	}
	if d.Subject == "" {
		return ErrEmptySubject
	}
	if d.Body == "" {
		return ErrEmptyBody
	}
	if len(d.RecipientIDs) == 0 {
		return ErrEmptyRecipients
	}
	for _, id := range d.RecipientIDs {
		if id <= 0 {
			return ErrInvalidID
		}
	}
	// A zero SentDate is filled in by the backend at write time.
	if !d.SentDate.IsZero() && d.SentDate.After(time.Now()) {
		return ErrFutureSentDate
	}
	return nil
}

// ListOptions controls pagination for folder queries.
type ListOptions struct {
	// Limit is the maximum number of mails to return. Zero means the
	// caller did not specify a limit; the service applies its default.
	Limit int

	// Offset is the number of mails to skip.
	Offset int
}
