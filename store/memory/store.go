// Package memory provides an in-memory implementation of store.Store.
// Intended for tests and development; data is lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milou-mail/milou/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using in-process maps.
// Safe for concurrent use. Mutations lock the individual mail entry;
// uniqueness of codes is enforced with an atomic LoadOrStore, mirroring
// how the database backends lean on unique indexes.
type Store struct {
	mails     sync.Map // int64 -> *entry
	codes     sync.Map // string -> int64
	nextID    int64
	connected int32
}

// entry wraps a mail with its own lock so concurrent mutations of
// different mails never contend.
type entry struct {
	mu   sync.Mutex
	mail *store.Mail
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{}
}

// Connect marks the store as connected.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected. Data is retained so a
// reconnected store sees the same state.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) Save(ctx context.Context, data store.MailData) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&s.nextID, 1)

	// Reserve the code first. LoadOrStore is the atomic uniqueness check;
	// losing the race means a duplicate.
	if _, loaded := s.codes.LoadOrStore(data.Code, id); loaded {
		return nil, store.ErrDuplicateCode
	}

	sentDate := data.SentDate
	if sentDate.IsZero() {
		sentDate = time.Now().UTC()
	}

	mail := &store.Mail{
		ID:       id,
		Code:     data.Code,
		SenderID: data.SenderID,
		Subject:  data.Subject,
		Body:     data.Body,
		SentDate: sentDate,
	}
	for _, rid := range data.RecipientIDs {
		mail.Deliveries = append(mail.Deliveries, store.Delivery{
			MailID:      id,
			RecipientID: rid,
		})
	}

	s.mails.Store(id, &entry{mail: mail})
	return mail.Clone(), nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, store.ErrInvalidID
	}

	val, ok := s.mails.Load(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	e := val.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mail.Clone(), nil
}

func (s *Store) FindByCode(ctx context.Context, code string) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, store.ErrEmptyCode
	}

	val, ok := s.codes.Load(code)
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.FindByID(ctx, val.(int64))
}

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	_, ok := s.codes.Load(code)
	return ok, nil
}

func (s *Store) IsRead(ctx context.Context, mailID, recipientID int64) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	val, ok := s.mails.Load(mailID)
	if !ok {
		return false, nil
	}
	e := val.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.mail.DeliveryFor(recipientID)
	if d == nil {
		return false, nil
	}
	return d.Read, nil
}

func (s *Store) MarkRead(ctx context.Context, mailID, recipientID int64) error {
	return s.mutate(mailID, func(m *store.Mail) error {
		d := m.DeliveryFor(recipientID)
		if d == nil {
			return store.ErrNotFound
		}
		d.Read = true
		return nil
	})
}

func (s *Store) MoveToTrash(ctx context.Context, mailID, actorID int64) error {
	return s.mutate(mailID, func(m *store.Mail) error {
		now := time.Now().UTC()
		touched := false
		if d := m.DeliveryFor(actorID); d != nil {
			if !d.Deleted {
				d.Deleted = true
				d.DeletedAt = now
			}
			touched = true
		}
		if m.SenderID == actorID {
			if !m.Deleted {
				m.Deleted = true
				m.DeletedAt = now
			}
			touched = true
		}
		if !touched {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) RestoreFromTrash(ctx context.Context, mailID int64) error {
	return s.mutate(mailID, func(m *store.Mail) error {
		m.Deleted = false
		m.DeletedAt = time.Time{}
		return nil
	})
}

func (s *Store) RestoreDelivery(ctx context.Context, mailID, recipientID int64) error {
	return s.mutate(mailID, func(m *store.Mail) error {
		d := m.DeliveryFor(recipientID)
		if d == nil {
			return store.ErrNotFound
		}
		d.Deleted = false
		d.DeletedAt = time.Time{}
		return nil
	})
}

// mutate runs fn against the locked mail entry.
func (s *Store) mutate(mailID int64, fn func(*store.Mail) error) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 {
		return store.ErrInvalidID
	}

	val, ok := s.mails.Load(mailID)
	if !ok {
		return store.ErrNotFound
	}
	e := val.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.mail)
}

func (s *Store) Inbox(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	return s.list(viewerID, opts, bySentDate, func(m *store.Mail, viewerID int64) bool {
		d := m.DeliveryFor(viewerID)
		return d != nil && !d.Deleted
	})
}

func (s *Store) Sent(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	return s.list(viewerID, opts, bySentDate, func(m *store.Mail, viewerID int64) bool {
		return m.SenderID == viewerID && !m.Deleted
	})
}

func (s *Store) Unread(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	return s.list(viewerID, opts, bySentDate, func(m *store.Mail, viewerID int64) bool {
		d := m.DeliveryFor(viewerID)
		return d != nil && !d.Deleted && !d.Read
	})
}

func (s *Store) Trash(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	return s.list(viewerID, opts, byTrashDate, func(m *store.Mail, viewerID int64) bool {
		if d := m.DeliveryFor(viewerID); d != nil && d.Deleted {
			return true
		}
		return m.SenderID == viewerID && m.Deleted
	})
}

// sortKey selects the ordering timestamp for a folder listing.
type sortKey func(m *store.Mail, viewerID int64) time.Time

func bySentDate(m *store.Mail, _ int64) time.Time {
	return m.SentDate
}

// byTrashDate orders the trash by when the viewer trashed the mail,
// whichever side that happened on.
func byTrashDate(m *store.Mail, viewerID int64) time.Time {
	if d := m.DeliveryFor(viewerID); d != nil && d.Deleted {
		return d.DeletedAt
	}
	return m.DeletedAt
}

func (s *Store) list(viewerID int64, opts store.ListOptions, key sortKey, match func(*store.Mail, int64) bool) ([]*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	var mails []*store.Mail
	s.mails.Range(func(_, val any) bool {
		e := val.(*entry)
		e.mu.Lock()
		if match(e.mail, viewerID) {
			mails = append(mails, e.mail.Clone())
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(mails, func(i, j int) bool {
		ti, tj := key(mails[i], viewerID), key(mails[j], viewerID)
		if ti.Equal(tj) {
			return mails[i].ID > mails[j].ID
		}
		return ti.After(tj)
	})

	return paginate(mails, opts), nil
}

func paginate(mails []*store.Mail, opts store.ListOptions) []*store.Mail {
	if opts.Offset > 0 {
		if opts.Offset >= len(mails) {
			return nil
		}
		mails = mails[opts.Offset:]
	}
	if opts.Limit > 0 && len(mails) > opts.Limit {
		mails = mails[:opts.Limit]
	}
	return mails
}

func (s *Store) DeleteExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	var deleted int64
	s.mails.Range(func(id, val any) bool {
		e := val.(*entry)
		e.mu.Lock()
		expired := e.mail.Deleted && e.mail.DeletedAt.Before(cutoff)
		code := e.mail.Code
		e.mu.Unlock()
		if expired {
			s.mails.Delete(id)
			s.codes.Delete(code)
			deleted++
		}
		return true
	})

	return deleted, nil
}

func (s *Store) MailboxStats(ctx context.Context, viewerID int64) (*store.MailboxStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	stats := &store.MailboxStats{}
	s.mails.Range(func(_, val any) bool {
		e := val.(*entry)
		e.mu.Lock()
		m := e.mail
		if d := m.DeliveryFor(viewerID); d != nil {
			if d.Deleted {
				stats.Trash++
			} else {
				stats.Inbox++
				if !d.Read {
					stats.Unread++
				}
			}
		}
		if m.SenderID == viewerID {
			if m.Deleted {
				stats.Trash++
			} else {
				stats.Sent++
			}
		}
		e.mu.Unlock()
		return true
	})

	return stats, nil
}
