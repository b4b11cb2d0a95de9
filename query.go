package milou

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/milou-mail/milou/store"
)

// GetByCode retrieves a mail by its external code.
//
// Access is restricted to the mail's participants: the sender and the
// recipients. Anyone else gets ErrForbidden. When the viewer is a recipient
// who has not read the mail yet, opening it marks the delivery read as a
// side effect (the read receipt), and the returned mail reflects that.
func (m *userMailbox) GetByCode(ctx context.Context, code string) (*Mail, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidID)
	}

	s := m.service
	ctx, endSpan := s.otel.startSpan(ctx, "milou.GetByCode",
		attribute.String("code", code),
		attribute.Int64("viewer_id", m.viewer.ID),
	)
	start := time.Now()

	mail, err := m.getByCode(ctx, code)

	endSpan(err)
	s.otel.recordGet(ctx, time.Since(start), err)
	return mail, err
}

func (m *userMailbox) getByCode(ctx context.Context, code string) (*Mail, error) {
	s := m.service

	mail, err := s.store.FindByCode(ctx, code)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: code %q", ErrNotFound, code)
		}
		return nil, &OperationError{Op: "get mail", Err: err}
	}

	if mail.SenderID != m.viewer.ID && !mail.IsRecipient(m.viewer.ID) {
		return nil, fmt.Errorf("%w: user %d is neither sender nor recipient of mail %q",
			ErrForbidden, m.viewer.ID, code)
	}

	// Read receipt: a recipient opening an unread mail marks it read.
	if d := mail.DeliveryFor(m.viewer.ID); d != nil && !d.Read {
		if err := s.store.MarkRead(ctx, mail.ID, m.viewer.ID); err != nil {
			return nil, &OperationError{Op: "mark read", Err: err}
		}
		d.Read = true
		if err := s.publishMailRead(ctx, mail.ID, m.viewer.ID); err != nil {
			return newMail(mail, m), err
		}
	}

	return newMail(mail, m), nil
}

// IsRead reports whether the viewer has read the mail. Senders and
// non-recipients read as false.
func (m *userMailbox) IsRead(ctx context.Context, mailID int64) (bool, error) {
	if err := m.checkAccess(); err != nil {
		return false, err
	}
	read, err := m.service.store.IsRead(ctx, mailID, m.viewer.ID)
	if err != nil {
		return false, &OperationError{Op: "check read state", Err: err}
	}
	return read, nil
}

// Inbox lists mail delivered to the viewer that is not in their trash,
// newest first.
func (m *userMailbox) Inbox(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return m.list(ctx, "inbox", opts, m.service.store.Inbox)
}

// Sent lists mail the viewer sent that they have not trashed, newest first.
func (m *userMailbox) Sent(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return m.list(ctx, "sent", opts, m.service.store.Sent)
}

// Unread lists the subset of the inbox the viewer has not read yet.
func (m *userMailbox) Unread(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return m.list(ctx, "unread", opts, m.service.store.Unread)
}

// Trash lists mail in the viewer's trash, most recently trashed first.
// Covers both scopes: deliveries the viewer trashed and, for mail they
// sent, their sender-side trash.
func (m *userMailbox) Trash(ctx context.Context, opts ListOptions) ([]Summary, error) {
	return m.list(ctx, "trash", opts, m.service.store.Trash)
}

type folderQuery func(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error)

// list is the shared folder listing path: cap pagination, query the store,
// project to summaries.
func (m *userMailbox) list(ctx context.Context, folder string, opts ListOptions, query folderQuery) ([]Summary, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	s := m.service
	opts = s.capListOptions(opts)

	ctx, endSpan := s.otel.startSpan(ctx, "milou.List",
		attribute.String("folder", folder),
		attribute.Int64("viewer_id", m.viewer.ID),
	)
	start := time.Now()

	summaries, err := m.doList(ctx, opts, query)

	endSpan(err)
	s.otel.recordList(ctx, time.Since(start), folder, len(summaries), err)
	return summaries, err
}

func (m *userMailbox) doList(ctx context.Context, opts ListOptions, query folderQuery) ([]Summary, error) {
	mails, err := query(ctx, m.viewer.ID, opts)
	if err != nil {
		return nil, &OperationError{Op: "list folder", Err: err}
	}
	return m.project(ctx, mails)
}

// capListOptions applies the default and maximum query limits.
func (s *service) capListOptions(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = s.opts.defaultQueryLimit
	}
	if opts.Limit > s.opts.maxQueryLimit {
		opts.Limit = s.opts.maxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

// project turns store records into viewer-scoped summaries, resolving
// sender identities in one batch.
func (m *userMailbox) project(ctx context.Context, mails []*store.Mail) ([]Summary, error) {
	if len(mails) == 0 {
		return []Summary{}, nil
	}

	// Batch-resolve distinct sender ids.
	seen := make(map[int64]bool, len(mails))
	ids := make([]int64, 0, len(mails))
	for _, mail := range mails {
		if !seen[mail.SenderID] {
			seen[mail.SenderID] = true
			ids = append(ids, mail.SenderID)
		}
	}
	resolved, err := m.service.resolver.ResolveBatch(ctx, ids)
	if err != nil {
		return nil, &OperationError{Op: "resolve senders", Err: err}
	}
	senders := make(map[int64]*User, len(ids))
	for i, u := range resolved {
		if u != nil {
			senders[ids[i]] = u
		}
	}

	summaries := make([]Summary, len(mails))
	for i, mail := range mails {
		sum := Summary{
			ID:       mail.ID,
			Code:     mail.Code,
			Subject:  mail.Subject,
			SentDate: mail.SentDate,
		}
		if u := senders[mail.SenderID]; u != nil {
			sum.SenderName = u.Name
			sum.SenderEmail = u.Email
		}
		// IsRead is viewer-scoped: a viewer without a delivery record,
		// the sender included, reads as false.
		if d := mail.DeliveryFor(m.viewer.ID); d != nil {
			sum.IsRead = d.Read
			sum.IsDeleted = d.Deleted
		} else if mail.SenderID == m.viewer.ID {
			sum.IsDeleted = mail.Deleted
		}
		summaries[i] = sum
	}
	return summaries, nil
}
