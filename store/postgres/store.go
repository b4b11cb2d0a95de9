// Package postgres provides a PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/milou-mail/milou/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
// Mails live in one table, delivery records in another; every
// multi-statement operation runs in a single transaction.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL",
		"mails_table", s.opts.mailsTable(),
		"deliveries_table", s.opts.deliveriesTable())
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	mails := s.opts.mailsTable()
	deliveries := s.opts.deliveriesTable()

	createMails := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			code VARCHAR(64) NOT NULL UNIQUE,
			sender_id BIGINT NOT NULL,
			subject VARCHAR(255) NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			sent_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ
		)
	`, mails)
	if _, err := s.db.ExecContext(ctx, createMails); err != nil {
		return fmt.Errorf("create mails table: %w", err)
	}

	createDeliveries := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			mail_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			recipient_id BIGINT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at TIMESTAMPTZ,
			PRIMARY KEY (mail_id, recipient_id)
		)
	`, deliveries, mails)
	if _, err := s.db.ExecContext(ctx, createDeliveries); err != nil {
		return fmt.Errorf("create deliveries table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sender ON %s(sender_id, sent_date DESC)`, mails, mails),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_trash ON %s(deleted_at) WHERE is_deleted`, mails, mails),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_recipient ON %s(recipient_id, is_deleted, is_read)`, deliveries, deliveries),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// mailRow mirrors a row of the mails table.
type mailRow struct {
	ID        int64        `db:"id"`
	Code      string       `db:"code"`
	SenderID  int64        `db:"sender_id"`
	Subject   string       `db:"subject"`
	Body      string       `db:"body"`
	SentDate  time.Time    `db:"sent_date"`
	IsDeleted bool         `db:"is_deleted"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

func (r *mailRow) toMail() *store.Mail {
	m := &store.Mail{
		ID:       r.ID,
		Code:     r.Code,
		SenderID: r.SenderID,
		Subject:  r.Subject,
		Body:     r.Body,
		SentDate: r.SentDate,
		Deleted:  r.IsDeleted,
	}
	if r.DeletedAt.Valid {
		m.DeletedAt = r.DeletedAt.Time
	}
	return m
}

// deliveryRow mirrors a row of the deliveries table.
type deliveryRow struct {
	MailID      int64        `db:"mail_id"`
	RecipientID int64        `db:"recipient_id"`
	IsRead      bool         `db:"is_read"`
	IsDeleted   bool         `db:"is_deleted"`
	DeletedAt   sql.NullTime `db:"deleted_at"`
}

func (r *deliveryRow) toDelivery() store.Delivery {
	d := store.Delivery{
		MailID:      r.MailID,
		RecipientID: r.RecipientID,
		Read:        r.IsRead,
		Deleted:     r.IsDeleted,
	}
	if r.DeletedAt.Valid {
		d.DeletedAt = r.DeletedAt.Time
	}
	return d
}

const mailColumns = `id, code, sender_id, subject, body, sent_date, is_deleted, deleted_at`
const deliveryColumns = `mail_id, recipient_id, is_read, is_deleted, deleted_at`

func (s *Store) Save(ctx context.Context, data store.MailData) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	sentDate := data.SentDate
	if sentDate.IsZero() {
		sentDate = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	insertMail := fmt.Sprintf(`
		INSERT INTO %s (code, sender_id, subject, body, sent_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, s.opts.mailsTable())

	var id int64
	if err := tx.QueryRowContext(ctx, insertMail,
		data.Code, data.SenderID, data.Subject, data.Body, sentDate,
	).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateCode
		}
		return nil, fmt.Errorf("insert mail: %w", err)
	}

	insertDelivery := fmt.Sprintf(`
		INSERT INTO %s (mail_id, recipient_id) VALUES ($1, $2)
	`, s.opts.deliveriesTable())

	mail := &store.Mail{
		ID:       id,
		Code:     data.Code,
		SenderID: data.SenderID,
		Subject:  data.Subject,
		Body:     data.Body,
		SentDate: sentDate,
	}
	for _, rid := range data.RecipientIDs {
		if _, err := tx.ExecContext(ctx, insertDelivery, id, rid); err != nil {
			return nil, fmt.Errorf("insert delivery: %w", err)
		}
		mail.Deliveries = append(mail.Deliveries, store.Delivery{
			MailID:      id,
			RecipientID: rid,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}

	return mail, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, mailColumns, s.opts.mailsTable())
	return s.fetchMail(ctx, query, id)
}

func (s *Store) FindByCode(ctx context.Context, code string) (*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, store.ErrEmptyCode
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE code = $1`, mailColumns, s.opts.mailsTable())
	return s.fetchMail(ctx, query, code)
}

// fetchMail runs a single-mail query and attaches its delivery records.
func (s *Store) fetchMail(ctx context.Context, query string, arg any) (*store.Mail, error) {
	var row mailRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mail: %w", err)
	}

	mail := row.toMail()
	if err := s.loadDeliveries(ctx, []*store.Mail{mail}); err != nil {
		return nil, err
	}
	return mail, nil
}

// loadDeliveries fills in delivery records for the given mails in one query.
func (s *Store) loadDeliveries(ctx context.Context, mails []*store.Mail) error {
	if len(mails) == 0 {
		return nil
	}

	byID := make(map[int64]*store.Mail, len(mails))
	ids := make([]int64, 0, len(mails))
	for _, m := range mails {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE mail_id = ANY($1) ORDER BY mail_id, recipient_id
	`, deliveryColumns, s.opts.deliveriesTable())

	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("load deliveries: %w", err)
	}

	for _, r := range rows {
		if m, ok := byID[r.MailID]; ok {
			m.Deliveries = append(m.Deliveries, r.toDelivery())
		}
	}
	return nil
}

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE code = $1)`, s.opts.mailsTable())
	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, code); err != nil {
		return false, fmt.Errorf("code exists: %w", err)
	}
	return exists, nil
}

func (s *Store) IsRead(ctx context.Context, mailID, recipientID int64) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT is_read FROM %s WHERE mail_id = $1 AND recipient_id = $2
	`, s.opts.deliveriesTable())

	var read bool
	if err := s.db.GetContext(ctx, &read, query, mailID, recipientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Missing delivery record reads as unread, not an error.
			return false, nil
		}
		return false, fmt.Errorf("is read: %w", err)
	}
	return read, nil
}

func (s *Store) MarkRead(ctx context.Context, mailID, recipientID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || recipientID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET is_read = TRUE WHERE mail_id = $1 AND recipient_id = $2
	`, s.opts.deliveriesTable())

	result, err := s.db.ExecContext(ctx, query, mailID, recipientID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MoveToTrash(ctx context.Context, mailID, actorID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || actorID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	// Both scopes are attempted in the same transaction. Already-trashed
	// rows are left untouched so the original trash time survives repeats.
	trashDelivery := fmt.Sprintf(`
		UPDATE %s SET is_deleted = TRUE, deleted_at = $3
		WHERE mail_id = $1 AND recipient_id = $2 AND NOT is_deleted
	`, s.opts.deliveriesTable())
	res, err := tx.ExecContext(ctx, trashDelivery, mailID, actorID, now)
	if err != nil {
		return fmt.Errorf("trash delivery: %w", err)
	}
	deliveryRows, _ := res.RowsAffected()

	trashMail := fmt.Sprintf(`
		UPDATE %s SET is_deleted = TRUE, deleted_at = $3
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted
	`, s.opts.mailsTable())
	res, err = tx.ExecContext(ctx, trashMail, mailID, actorID, now)
	if err != nil {
		return fmt.Errorf("trash mail: %w", err)
	}
	mailRows, _ := res.RowsAffected()

	if deliveryRows == 0 && mailRows == 0 {
		// Nothing changed: either idempotent repeat or the actor has no
		// stake in this mail. Distinguish the two.
		ok, err := s.isParticipantTx(ctx, tx, mailID, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrTransactionFailed, err)
	}
	return nil
}

// isParticipantTx reports whether the actor is the sender or a recipient.
func (s *Store) isParticipantTx(ctx context.Context, tx *sqlx.Tx, mailID, actorID int64) (bool, error) {
	query := fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1 AND sender_id = $2)
		    OR EXISTS(SELECT 1 FROM %s WHERE mail_id = $1 AND recipient_id = $2)
	`, s.opts.mailsTable(), s.opts.deliveriesTable())

	var ok bool
	if err := tx.GetContext(ctx, &ok, query, mailID, actorID); err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

func (s *Store) RestoreFromTrash(ctx context.Context, mailID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET is_deleted = FALSE, deleted_at = NULL WHERE id = $1
	`, s.opts.mailsTable())

	result, err := s.db.ExecContext(ctx, query, mailID)
	if err != nil {
		return fmt.Errorf("restore mail: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RestoreDelivery(ctx context.Context, mailID, recipientID int64) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if mailID <= 0 || recipientID <= 0 {
		return store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET is_deleted = FALSE, deleted_at = NULL
		WHERE mail_id = $1 AND recipient_id = $2
	`, s.opts.deliveriesTable())

	result, err := s.db.ExecContext(ctx, query, mailID, recipientID)
	if err != nil {
		return fmt.Errorf("restore delivery: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Inbox(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	query := fmt.Sprintf(`
		SELECT m.id, m.code, m.sender_id, m.subject, m.body, m.sent_date, m.is_deleted, m.deleted_at
		FROM %s m
		JOIN %s d ON d.mail_id = m.id
		WHERE d.recipient_id = $1 AND NOT d.is_deleted
		ORDER BY m.sent_date DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`, s.opts.mailsTable(), s.opts.deliveriesTable())
	return s.listMails(ctx, viewerID, opts, query)
}

func (s *Store) Sent(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE sender_id = $1 AND NOT is_deleted
		ORDER BY sent_date DESC, id DESC
		LIMIT $2 OFFSET $3
	`, mailColumns, s.opts.mailsTable())
	return s.listMails(ctx, viewerID, opts, query)
}

func (s *Store) Unread(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	query := fmt.Sprintf(`
		SELECT m.id, m.code, m.sender_id, m.subject, m.body, m.sent_date, m.is_deleted, m.deleted_at
		FROM %s m
		JOIN %s d ON d.mail_id = m.id
		WHERE d.recipient_id = $1 AND NOT d.is_deleted AND NOT d.is_read
		ORDER BY m.sent_date DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`, s.opts.mailsTable(), s.opts.deliveriesTable())
	return s.listMails(ctx, viewerID, opts, query)
}

func (s *Store) Trash(ctx context.Context, viewerID int64, opts store.ListOptions) ([]*store.Mail, error) {
	// The viewer's trash time is the delivery's deleted_at on the
	// recipient side, the mail's on the sender side.
	query := fmt.Sprintf(`
		SELECT m.id, m.code, m.sender_id, m.subject, m.body, m.sent_date, m.is_deleted, m.deleted_at
		FROM %s m
		LEFT JOIN %s d ON d.mail_id = m.id AND d.recipient_id = $1
		WHERE d.is_deleted IS TRUE OR (m.sender_id = $1 AND m.is_deleted)
		ORDER BY COALESCE(d.deleted_at, m.deleted_at) DESC, m.id DESC
		LIMIT $2 OFFSET $3
	`, s.opts.mailsTable(), s.opts.deliveriesTable())
	return s.listMails(ctx, viewerID, opts, query)
}

// listMails runs a folder query and attaches delivery records to the page.
func (s *Store) listMails(ctx context.Context, viewerID int64, opts store.ListOptions, query string) ([]*store.Mail, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows []mailRow
	if err := s.db.SelectContext(ctx, &rows, query, viewerID, limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("list mails: %w", err)
	}

	mails := make([]*store.Mail, len(rows))
	for i := range rows {
		mails[i] = rows[i].toMail()
	}
	if err := s.loadDeliveries(ctx, mails); err != nil {
		return nil, err
	}
	return mails, nil
}

func (s *Store) DeleteExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	// Delivery records go with the mail via ON DELETE CASCADE.
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE is_deleted AND deleted_at < $1
	`, s.opts.mailsTable())

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired trash: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) MailboxStats(ctx context.Context, viewerID int64) (*store.MailboxStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if viewerID <= 0 {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	mails := s.opts.mailsTable()
	deliveries := s.opts.deliveriesTable()
	query := fmt.Sprintf(`
		SELECT
			(SELECT COUNT(*) FROM %[1]s d WHERE d.recipient_id = $1 AND NOT d.is_deleted) AS inbox,
			(SELECT COUNT(*) FROM %[2]s m WHERE m.sender_id = $1 AND NOT m.is_deleted) AS sent,
			(SELECT COUNT(*) FROM %[1]s d WHERE d.recipient_id = $1 AND NOT d.is_deleted AND NOT d.is_read) AS unread,
			(SELECT COUNT(*) FROM %[1]s d WHERE d.recipient_id = $1 AND d.is_deleted)
			+ (SELECT COUNT(*) FROM %[2]s m WHERE m.sender_id = $1 AND m.is_deleted) AS trash
	`, deliveries, mails)

	var stats store.MailboxStats
	if err := s.db.GetContext(ctx, &stats, query, viewerID); err != nil {
		return nil, fmt.Errorf("mailbox stats: %w", err)
	}
	return &stats, nil
}
