// Package store provides interfaces and types for mail persistence.
// Implementations are in store/memory, store/postgres, and store/mongo
// subpackages.
//
// # Architectural Principle: No Distributed Locks
//
// This package is designed to avoid distributed locks entirely. All
// concurrency concerns are handled through:
//
//  1. Atomic Database Operations: A mail and all of its delivery records
//     are written in one database transaction (PostgreSQL) or one document
//     update (MongoDB). Either everything is visible or nothing is.
//
//  2. Idempotency via Unique Constraints: Mail codes are enforced by a
//     unique index. Collisions surface as ErrDuplicateCode - the database
//     decides atomically, no external coordination needed.
//
//  3. Targeted Mutations: Read and trash flags are flipped with single
//     atomic updates scoped to one mail (or one delivery record), never
//     with read-modify-write cycles across records.
//
// Example - Concurrent Trash Cleanup:
//
//	// Multiple instances can call this safely - the database handles
//	// atomicity, each mail is deleted exactly once.
//	deleted, err := store.DeleteExpiredTrash(ctx, cutoff)
//
// This design provides simpler architecture (no external lock service),
// database ACID guarantees, and automatic deadlock prevention.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the mail system.
//
// All operations must be safe for concurrent use. Implementations must use
// database-level atomicity (transactions, atomic operations) rather than
// external locking mechanisms. See package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Mail operations
	MailStore

	// Maintenance operations - for background cleanup tasks
	MaintenanceStore

	// Stats operations - per-viewer folder counts
	StatsStore
}

// MailStoreReader provides read operations for mails.
type MailStoreReader interface {
	// FindByID retrieves a mail with its delivery records.
	// Returns ErrNotFound if the mail doesn't exist.
	FindByID(ctx context.Context, id int64) (*Mail, error)

	// FindByCode retrieves a mail by its external code.
	// Returns ErrNotFound if no mail has that code.
	FindByCode(ctx context.Context, code string) (*Mail, error)

	// CodeExists reports whether a mail with the given code exists.
	CodeExists(ctx context.Context, code string) (bool, error)

	// IsRead reports the read flag of the delivery record for
	// (mailID, recipientID). A missing record reports false, not an error.
	IsRead(ctx context.Context, mailID, recipientID int64) (bool, error)

	// Inbox returns mails delivered to the viewer whose delivery record is
	// not trashed, newest first.
	Inbox(ctx context.Context, viewerID int64, opts ListOptions) ([]*Mail, error)

	// Sent returns mails sent by the viewer that the viewer has not
	// trashed, newest first.
	Sent(ctx context.Context, viewerID int64, opts ListOptions) ([]*Mail, error)

	// Unread returns the unread subset of the viewer's inbox, newest first.
	Unread(ctx context.Context, viewerID int64, opts ListOptions) ([]*Mail, error)

	// Trash returns mails the viewer has trashed, on either side: received
	// mails whose delivery record is trashed and sent mails carrying the
	// sender-side flag. Ordered by trash time, most recent first.
	Trash(ctx context.Context, viewerID int64, opts ListOptions) ([]*Mail, error)
}

// MailStoreMutator provides the flag mutations. Mutations are specific
// operations, not general setters.
type MailStoreMutator interface {
	// MarkRead sets the read flag on the delivery record for
	// (mailID, recipientID). Idempotent: marking an already-read delivery
	// succeeds without effect. Returns ErrNotFound if no such delivery
	// record exists.
	MarkRead(ctx context.Context, mailID, recipientID int64) error

	// MoveToTrash trashes the mail for the acting user. Both scopes are
	// checked in one atomic operation: if the actor has a delivery record
	// it is flagged, and if the actor is the sender the mail-level flag is
	// set. Idempotent. Returns ErrNotFound if the actor is neither sender
	// nor recipient, or the mail doesn't exist.
	MoveToTrash(ctx context.Context, mailID, actorID int64) error

	// RestoreFromTrash clears the sender-side trash flag. Idempotent.
	// Returns ErrNotFound if the mail doesn't exist.
	RestoreFromTrash(ctx context.Context, mailID int64) error

	// RestoreDelivery clears the recipient-side trash flag on the delivery
	// record for (mailID, recipientID). Idempotent. Returns ErrNotFound if
	// no such delivery record exists.
	RestoreDelivery(ctx context.Context, mailID, recipientID int64) error
}

// MailStoreCreator provides mail creation.
//
// Concurrency: creation is atomic at the database level. No external
// locking is required or desired.
type MailStoreCreator interface {
	// Save creates a mail and one delivery record per recipient in a
	// single atomic operation. Either the mail and all deliveries are
	// persisted, or nothing is. Returns the stored mail with its assigned
	// ID, or ErrDuplicateCode if the code is already taken.
	Save(ctx context.Context, data MailData) (*Mail, error)
}

// MailStore provides operations for mail records.
//
// Composed of:
//   - MailStoreReader: lookups and folder queries
//   - MailStoreMutator: read/trash flag mutations
//   - MailStoreCreator: atomic creation
type MailStore interface {
	MailStoreReader
	MailStoreMutator
	MailStoreCreator
}

// MaintenanceStore provides operations for background maintenance tasks.
// These operations are designed to be safely called concurrently from
// multiple service instances without distributed coordination.
type MaintenanceStore interface {
	// DeleteExpiredTrash permanently removes mails that were sender-trashed
	// before the cutoff, cascading their delivery records. Recipient-side
	// trash never expires on its own; delivery records disappear only with
	// their mail.
	//
	// Safe to call concurrently from multiple instances - the database
	// handles atomicity, each mail is deleted exactly once.
	//
	// Returns the number of mails deleted.
	DeleteExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsStore provides aggregate per-viewer counts.
type StatsStore interface {
	// MailboxStats returns folder counts for the viewer.
	MailboxStats(ctx context.Context, viewerID int64) (*MailboxStats, error)
}
