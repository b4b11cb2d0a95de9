package milou

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3"

	"github.com/milou-mail/milou/store"
)

// MailboxStats is re-exported so users can work with the milou package
// without importing store directly.
type MailboxStats = store.MailboxStats

// StatsReader provides folder counts for a viewer.
type StatsReader interface {
	// Stats returns the viewer's folder counts. Values are served from a
	// TTL cache and kept approximately current by event-driven updates;
	// the cache refreshes from the store after the configured interval.
	Stats(ctx context.Context) (*MailboxStats, error)
}

// statsEntry is a cached stats record for one viewer.
type statsEntry struct {
	mu        sync.Mutex
	stats     *store.MailboxStats
	updatedAt time.Time
}

// Stats returns the viewer's folder counts.
func (m *userMailbox) Stats(ctx context.Context) (*MailboxStats, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	return m.service.getOrRefreshStats(ctx, m.viewer.ID)
}

// getOrRefreshStats returns cached stats for the viewer, refreshing from
// the store when the entry is missing or older than the refresh interval.
func (s *service) getOrRefreshStats(ctx context.Context, viewerID int64) (*store.MailboxStats, error) {
	v, _ := s.statsCache.LoadOrStore(viewerID, &statsEntry{})
	entry := v.(*statsEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.stats == nil || time.Since(entry.updatedAt) > s.opts.statsRefreshInterval {
		stats, err := s.store.MailboxStats(ctx, viewerID)
		if err != nil {
			return nil, &OperationError{Op: "load stats", Err: err}
		}
		entry.stats = stats
		entry.updatedAt = time.Now()
	}

	return entry.stats.Clone(), nil
}

// updateCachedStats applies fn to the viewer's cached stats if an entry is
// populated. Viewers that never asked for stats aren't tracked.
func (s *service) updateCachedStats(viewerID int64, fn func(*store.MailboxStats)) {
	v, ok := s.statsCache.Load(viewerID)
	if !ok {
		return
	}
	entry := v.(*statsEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.stats != nil {
		fn(entry.stats)
	}
}

// subscribeStatsHandlers wires the cache to the service's own events so
// counts stay approximately current between TTL refreshes.
func (s *service) subscribeStatsHandlers(ctx context.Context) {
	s.events.MailSent.Subscribe(ctx, s.onMailSent)
	s.events.MailRead.Subscribe(ctx, s.onMailRead)
	s.events.MailTrashed.Subscribe(ctx, s.onMailTrashed)
	s.events.MailRestored.Subscribe(ctx, s.onMailRestored)
}

func (s *service) onMailSent(_ context.Context, _ event.Event[MailSentEvent], data MailSentEvent) error {
	s.updateCachedStats(data.SenderID, func(st *store.MailboxStats) {
		st.Sent++
	})
	for _, recipientID := range data.RecipientIDs {
		s.updateCachedStats(recipientID, func(st *store.MailboxStats) {
			st.Inbox++
			st.Unread++
		})
	}
	return nil
}

func (s *service) onMailRead(_ context.Context, _ event.Event[MailReadEvent], data MailReadEvent) error {
	s.updateCachedStats(data.RecipientID, func(st *store.MailboxStats) {
		if st.Unread > 0 {
			st.Unread--
		}
	})
	return nil
}

// Trash and restore adjustments are approximations (the read state of the
// moved mail isn't in the event); the TTL refresh corrects any drift.
func (s *service) onMailTrashed(_ context.Context, _ event.Event[MailTrashedEvent], data MailTrashedEvent) error {
	s.updateCachedStats(data.ActorID, func(st *store.MailboxStats) {
		st.Trash++
		if data.RecipientSide && st.Inbox > 0 {
			st.Inbox--
		}
	})
	return nil
}

func (s *service) onMailRestored(_ context.Context, _ event.Event[MailRestoredEvent], data MailRestoredEvent) error {
	s.updateCachedStats(data.ActorID, func(st *store.MailboxStats) {
		if st.Trash > 0 {
			st.Trash--
		}
	})
	return nil
}
