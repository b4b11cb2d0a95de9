package milou

import (
	"errors"
	"fmt"

	"github.com/milou-mail/milou/store"
)

// Sentinel errors for the milou package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, milou.ErrNotFound) will match both service-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when a mail cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("milou: %w", store.ErrNotFound)

	// ErrForbidden is returned when the viewer is neither the sender nor
	// a recipient of the mail they are trying to act on.
	ErrForbidden = errors.New("milou: forbidden")

	// ErrInvalidMail is returned for mail validation failures.
	ErrInvalidMail = errors.New("milou: invalid mail")

	// ErrOperationFailed is returned when a persistence operation fails
	// after its inputs passed validation. The underlying cause is
	// available through errors.Unwrap.
	ErrOperationFailed = errors.New("milou: operation failed")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("milou: store is required")

	// ErrResolverRequired is returned when an operation needs the identity
	// resolver but none is configured.
	ErrResolverRequired = errors.New("milou: resolver is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("milou: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("milou: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("milou: %w", store.ErrInvalidID)

	// ErrInvalidViewer is returned when a client is created for a user
	// reference without a persisted id.
	ErrInvalidViewer = errors.New("milou: invalid viewer")

	// ErrCodeExhausted is returned when a unique mail code could not be
	// generated after the maximum number of attempts.
	ErrCodeExhausted = errors.New("milou: code generation exhausted")
)

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("milou: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMail
}

// OperationError wraps a persistence failure with the operation that hit it.
// It matches ErrOperationFailed via errors.Is and exposes the cause through
// errors.Unwrap.
type OperationError struct {
	Op  string // The operation name (e.g., "send", "move to trash")
	Err error  // The underlying store error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("milou: %s failed: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// EventPublishError is returned when event publishing fails but the
// operation itself succeeded. The mail was sent/read/trashed, but the
// notification failed. Check the MailID field to identify the mail.
type EventPublishError struct {
	Event  string // The event name (e.g., "MailSent", "MailRead")
	MailID int64  // The mail the event was for
	Err    error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("milou: event %s publish failed for mail %d: %v", e.Event, e.MailID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and
// returns details. Useful when eventErrorsFatal=true but you still want to
// know the operation went through.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
