package milou

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/milou-mail/milou/store"
)

// Subject prefixes for threading. Matching is exact, so a reply to a reply
// keeps a single "Re:" rather than stacking them.
const (
	replyPrefix   = "Re:"
	forwardPrefix = "Fw:"
)

// Send creates a mail from the viewer to the given recipients.
// Validation runs fail-fast in subject, body, recipients order; the mail
// and all its deliveries are persisted in a single atomic store operation.
func (m *userMailbox) Send(ctx context.Context, recipients []User, subject, body string) (*Mail, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	return m.send(ctx, recipients, subject, body)
}

// Reply sends a response to the original sender and the other original
// recipients. The subject gets a "Re:" prefix unless it already carries one.
func (m *userMailbox) Reply(ctx context.Context, original *Mail, body string) (*Mail, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("%w: original mail is required", ErrInvalidMail)
	}

	recipients, err := m.replyRecipients(ctx, original)
	if err != nil {
		return nil, err
	}

	return m.send(ctx, recipients, threadSubject(replyPrefix, original.Subject()), body)
}

// replyRecipients builds the reply list: the original sender first, then
// the original recipients in delivery order with the replier dropped.
func (m *userMailbox) replyRecipients(ctx context.Context, original *Mail) ([]User, error) {
	sender, err := m.service.resolver.ByID(ctx, original.SenderID())
	if err != nil {
		return nil, &OperationError{Op: "resolve reply recipients", Err: err}
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, original.SenderID())
	}

	ids := original.RecipientIDs()
	resolved, err := m.service.resolver.ResolveBatch(ctx, ids)
	if err != nil {
		return nil, &OperationError{Op: "resolve reply recipients", Err: err}
	}

	recipients := make([]User, 0, len(ids)+1)
	recipients = append(recipients, *sender)
	for i, id := range ids {
		if id == m.viewer.ID || resolved[i] == nil {
			continue
		}
		recipients = append(recipients, *resolved[i])
	}
	return recipients, nil
}

// Forward passes a mail on to new recipients. The subject gets a "Fw:"
// prefix unless it already carries one, and the original message is quoted
// below the supplied body.
func (m *userMailbox) Forward(ctx context.Context, original *Mail, recipients []User, body string) (*Mail, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("%w: original mail is required", ErrInvalidMail)
	}

	sender, err := m.service.resolver.ByID(ctx, original.SenderID())
	if err != nil {
		return nil, &OperationError{Op: "resolve forward origin", Err: err}
	}

	quoted := quoteForward(body, sender, original)
	return m.send(ctx, recipients, threadSubject(forwardPrefix, original.Subject()), quoted)
}

// send is the shared path for Send, Reply and Forward.
func (m *userMailbox) send(ctx context.Context, recipients []User, subject, body string) (*Mail, error) {
	s := m.service

	if err := validateMail(m.viewer, recipients, subject, body, s.opts.getLimits()); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "milou.Send",
		attribute.Int64("sender_id", m.viewer.ID),
		attribute.Int("recipient_count", len(recipients)),
	)
	start := time.Now()

	mail, err := m.doSend(ctx, recipients, subject, body)

	endSpan(err)
	s.otel.recordSend(ctx, time.Since(start), len(recipients), err)
	return mail, err
}

func (m *userMailbox) doSend(ctx context.Context, recipients []User, subject, body string) (*Mail, error) {
	s := m.service

	// Cap concurrent sends. Blocks until a slot frees up or ctx is done.
	if err := s.sendSem.Acquire(ctx, 1); err != nil {
		return nil, &OperationError{Op: "send", Err: err}
	}
	defer s.sendSem.Release(1)

	recipientIDs := make([]int64, len(recipients))
	for i, r := range recipients {
		recipientIDs[i] = r.ID
	}

	code, err := s.generateCode(ctx)
	if err != nil {
		return nil, err
	}

	data := &store.MailData{
		Code:         code,
		SenderID:     m.viewer.ID,
		RecipientIDs: recipientIDs,
		Subject:      subject,
		Body:         body,
		SentDate:     time.Now().UTC(),
	}

	if err := s.plugins.beforeSend(ctx, m.viewer, data); err != nil {
		return nil, err
	}

	stored, err := s.store.Save(ctx, *data)
	if err != nil {
		return nil, &OperationError{Op: "send", Err: err}
	}

	s.logger.Info("mail sent",
		"mail_id", stored.ID,
		"code", stored.Code,
		"sender_id", stored.SenderID,
		"recipients", len(stored.Deliveries),
	)

	if err := s.publishMailSent(ctx, stored); err != nil {
		return newMail(stored, m), err
	}

	if err := s.plugins.afterSend(ctx, m.viewer, stored); err != nil {
		// Mail is persisted; report the hook failure but hand back the mail.
		return newMail(stored, m), err
	}

	return newMail(stored, m), nil
}

// publishMailSent publishes the MailSent event. Returns a non-nil
// EventPublishError only when eventErrorsFatal is set.
func (s *service) publishMailSent(ctx context.Context, mail *store.Mail) error {
	ev := MailSentEvent{
		MailID:       mail.ID,
		Code:         mail.Code,
		SenderID:     mail.SenderID,
		RecipientIDs: mail.RecipientIDs(),
		Subject:      mail.Subject,
		SentAt:       mail.SentDate,
	}
	if err := s.events.MailSent.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "MailSent", MailID: mail.ID, Err: err}
		}
		s.opts.safeEventPublishFailure("MailSent", err)
	}
	return nil
}

// threadSubject prepends the given prefix unless the subject already
// starts with it.
func threadSubject(prefix, subject string) string {
	if strings.HasPrefix(subject, prefix) {
		return subject
	}
	return prefix + " " + subject
}

// quoteForward builds the forwarded body: the supplied note on top, then a
// quote block carrying the original's sender, date and subject.
func quoteForward(note string, origin *User, original *Mail) string {
	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded Message ----------\n")
	if origin != nil {
		fmt.Fprintf(&b, "From: %s <%s>\n", origin.Name, origin.Email)
	} else {
		fmt.Fprintf(&b, "From: user %d\n", original.SenderID())
	}
	fmt.Fprintf(&b, "Date: %s\n", original.SentDate().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: %s\n\n", original.Subject())
	b.WriteString(original.Body())
	return b.String()
}
