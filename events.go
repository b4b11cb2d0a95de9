package milou

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for mail events.
const (
	EventNameMailSent     = "milou.mail.sent"
	EventNameMailRead     = "milou.mail.read"
	EventNameMailTrashed  = "milou.mail.trashed"
	EventNameMailRestored = "milou.mail.restored"
)

// MailSentEvent is published when a mail is sent.
// This is the primary event for notifying recipients of new mail.
type MailSentEvent struct {
	MailID       int64     `json:"mail_id"`
	Code         string    `json:"code"`
	SenderID     int64     `json:"sender_id"`
	RecipientIDs []int64   `json:"recipient_ids"`
	Subject      string    `json:"subject"`
	SentAt       time.Time `json:"sent_at"`
}

// MailReadEvent is published when a delivery is marked read, whether by an
// explicit MarkRead or by the recipient opening the mail.
type MailReadEvent struct {
	MailID      int64     `json:"mail_id"`
	RecipientID int64     `json:"recipient_id"`
	ReadAt      time.Time `json:"read_at"`
}

// MailTrashedEvent is published when a mail is moved to trash.
// SenderSide and RecipientSide report which scope the move touched.
type MailTrashedEvent struct {
	MailID        int64     `json:"mail_id"`
	ActorID       int64     `json:"actor_id"`
	SenderSide    bool      `json:"sender_side"`
	RecipientSide bool      `json:"recipient_side"`
	TrashedAt     time.Time `json:"trashed_at"`
}

// MailRestoredEvent is published when a mail is taken back out of trash.
type MailRestoredEvent struct {
	MailID     int64     `json:"mail_id"`
	ActorID    int64     `json:"actor_id"`
	RestoredAt time.Time `json:"restored_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MailSent.Subscribe(ctx, handler)
//	svc.Events().MailRead.Subscribe(ctx, handler)
type ServiceEvents struct {
	// MailSent is published when a mail is sent.
	MailSent event.Event[MailSentEvent]

	// MailRead is published when a delivery is marked read.
	MailRead event.Event[MailReadEvent]

	// MailTrashed is published when a mail is moved to trash.
	MailTrashed event.Event[MailTrashedEvent]

	// MailRestored is published when a mail is restored from trash.
	MailRestored event.Event[MailRestoredEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MailSent:     event.New[MailSentEvent](namePrefix + "." + EventNameMailSent),
		MailRead:     event.New[MailReadEvent](namePrefix + "." + EventNameMailRead),
		MailTrashed:  event.New[MailTrashedEvent](namePrefix + "." + EventNameMailTrashed),
		MailRestored: event.New[MailRestoredEvent](namePrefix + "." + EventNameMailRestored),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MailSent); err != nil {
		return fmt.Errorf("register MailSent: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailRead); err != nil {
		return fmt.Errorf("register MailRead: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailTrashed); err != nil {
		return fmt.Errorf("register MailTrashed: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailRestored); err != nil {
		return fmt.Errorf("register MailRestored: %w", err)
	}
	return nil
}
