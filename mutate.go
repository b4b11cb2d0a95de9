package milou

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/milou-mail/milou/store"
)

// MarkRead marks the viewer's delivery of the mail read. Only recipients
// carry a read flag; idempotent when the mail is already read.
func (m *userMailbox) MarkRead(ctx context.Context, mailID int64) error {
	return m.mutate(ctx, "mark_read", mailID, func(ctx context.Context, mail *store.Mail) error {
		if mail.DeliveryFor(m.viewer.ID) == nil {
			return fmt.Errorf("%w: user %d is not a recipient of mail %d",
				ErrForbidden, m.viewer.ID, mailID)
		}
		if err := m.service.store.MarkRead(ctx, mailID, m.viewer.ID); err != nil {
			return &OperationError{Op: "mark read", Err: err}
		}
		return m.service.publishMailRead(ctx, mailID, m.viewer.ID)
	})
}

// MoveToTrash moves the mail to the viewer's trash. The move is scoped to
// the viewer: a recipient trashes their delivery, the sender trashes their
// sent copy, and a sender who mailed themselves trashes both. Other
// participants' views are untouched. Idempotent.
func (m *userMailbox) MoveToTrash(ctx context.Context, mailID int64) error {
	return m.mutate(ctx, "trash", mailID, func(ctx context.Context, mail *store.Mail) error {
		if err := m.service.store.MoveToTrash(ctx, mailID, m.viewer.ID); err != nil {
			return &OperationError{Op: "move to trash", Err: err}
		}
		return m.service.publishMailTrashed(ctx, mail, m.viewer.ID)
	})
}

// RestoreFromTrash takes the mail back out of the viewer's trash,
// restoring whichever sides of it the viewer holds. Idempotent.
func (m *userMailbox) RestoreFromTrash(ctx context.Context, mailID int64) error {
	return m.mutate(ctx, "restore", mailID, func(ctx context.Context, mail *store.Mail) error {
		if mail.IsRecipient(m.viewer.ID) {
			if err := m.service.store.RestoreDelivery(ctx, mailID, m.viewer.ID); err != nil {
				return &OperationError{Op: "restore from trash", Err: err}
			}
		}
		if mail.SenderID == m.viewer.ID {
			if err := m.service.store.RestoreFromTrash(ctx, mailID); err != nil {
				return &OperationError{Op: "restore from trash", Err: err}
			}
		}
		return m.service.publishMailRestored(ctx, mailID, m.viewer.ID)
	})
}

// mutate is the shared path for flag mutations: access check, participant
// check via fetchMail, the mutation itself, telemetry around all of it.
func (m *userMailbox) mutate(ctx context.Context, operation string, mailID int64, fn func(context.Context, *store.Mail) error) error {
	if err := m.checkAccess(); err != nil {
		return err
	}
	if mailID <= 0 {
		return fmt.Errorf("%w: mail id %d", ErrInvalidID, mailID)
	}

	s := m.service
	ctx, endSpan := s.otel.startSpan(ctx, "milou.Mutate",
		attribute.String("operation", operation),
		attribute.Int64("mail_id", mailID),
		attribute.Int64("viewer_id", m.viewer.ID),
	)
	start := time.Now()

	err := m.doMutate(ctx, mailID, fn)

	endSpan(err)
	s.otel.recordMutate(ctx, time.Since(start), operation, err)
	return err
}

func (m *userMailbox) doMutate(ctx context.Context, mailID int64, fn func(context.Context, *store.Mail) error) error {
	mail, err := m.fetchMail(ctx, mailID)
	if err != nil {
		return err
	}
	return fn(ctx, mail)
}

// publishMailRead publishes the MailRead event. Returns a non-nil
// EventPublishError only when eventErrorsFatal is set.
func (s *service) publishMailRead(ctx context.Context, mailID, recipientID int64) error {
	ev := MailReadEvent{
		MailID:      mailID,
		RecipientID: recipientID,
		ReadAt:      time.Now().UTC(),
	}
	if err := s.events.MailRead.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "MailRead", MailID: mailID, Err: err}
		}
		s.opts.safeEventPublishFailure("MailRead", err)
	}
	return nil
}

func (s *service) publishMailTrashed(ctx context.Context, mail *store.Mail, actorID int64) error {
	ev := MailTrashedEvent{
		MailID:        mail.ID,
		ActorID:       actorID,
		SenderSide:    mail.SenderID == actorID,
		RecipientSide: mail.IsRecipient(actorID),
		TrashedAt:     time.Now().UTC(),
	}
	if err := s.events.MailTrashed.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "MailTrashed", MailID: mail.ID, Err: err}
		}
		s.opts.safeEventPublishFailure("MailTrashed", err)
	}
	return nil
}

func (s *service) publishMailRestored(ctx context.Context, mailID, actorID int64) error {
	ev := MailRestoredEvent{
		MailID:     mailID,
		ActorID:    actorID,
		RestoredAt: time.Now().UTC(),
	}
	if err := s.events.MailRestored.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "MailRestored", MailID: mailID, Err: err}
		}
		s.opts.safeEventPublishFailure("MailRestored", err)
	}
	return nil
}
