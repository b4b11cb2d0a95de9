package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a mail cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateCode is returned when a mail code collides with an existing one.
	ErrDuplicateCode = errors.New("store: duplicate code")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrEmptyRecipients is returned when no recipients are provided.
	ErrEmptyRecipients = errors.New("store: empty recipients")

	// ErrEmptySubject is returned when subject is empty.
	ErrEmptySubject = errors.New("store: empty subject")

	// ErrEmptyBody is returned when body is empty.
	ErrEmptyBody = errors.New("store: empty body")

	// ErrFutureSentDate is returned when a sent date lies in the future.
	ErrFutureSentDate = errors.New("store: sent date in the future")

	// ErrEmptyCode is returned when a mail code is empty.
	ErrEmptyCode = errors.New("store: empty code")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsDuplicateCode(err error) bool {
	return errors.Is(err, ErrDuplicateCode)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
