package milou

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// PurgeTrashResult reports the outcome of a trash purge.
type PurgeTrashResult struct {
	// DeletedCount is the number of mails permanently removed.
	DeletedCount int64
	// Cutoff is the sender-trash timestamp before which mail was removed.
	Cutoff time.Time
}

// PurgeTrash permanently deletes mail whose sender moved it to trash more
// than the configured retention period ago. Deliveries go with the mail.
// Recipient-side trash alone never triggers removal; the record belongs to
// the sender.
//
// The service never schedules this itself. Run it from your application's
// scheduler (cron, ticker) at whatever cadence fits your retention policy.
func (s *service) PurgeTrash(ctx context.Context) (*PurgeTrashResult, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return nil, ErrNotConnected
	}

	cutoff := time.Now().UTC().Add(-s.opts.trashRetention)

	ctx, endSpan := s.otel.startSpan(ctx, "milou.PurgeTrash",
		attribute.String("cutoff", cutoff.Format(time.RFC3339)),
	)
	start := time.Now()

	deleted, err := s.store.DeleteExpiredTrash(ctx, cutoff)

	endSpan(err)
	s.otel.recordPurge(ctx, time.Since(start), deleted, err)

	if err != nil {
		return nil, &OperationError{Op: "purge trash", Err: err}
	}

	if deleted > 0 {
		s.logger.Info("purged expired trash", "deleted", deleted, "cutoff", cutoff)
	}
	return &PurgeTrashResult{DeletedCount: deleted, Cutoff: cutoff}, nil
}
