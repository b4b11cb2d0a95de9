package milou

import (
	"testing"
	"time"
)

func TestOptionDefaults(t *testing.T) {
	o := newOptions()

	if o.trashRetention != DefaultTrashRetention {
		t.Errorf("expected default retention %v, got %v", DefaultTrashRetention, o.trashRetention)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("expected default shutdown timeout %v, got %v", DefaultShutdownTimeout, o.shutdownTimeout)
	}
	if o.maxConcurrentSends != DefaultMaxConcurrentSends {
		t.Errorf("expected default max concurrent sends %d, got %d", DefaultMaxConcurrentSends, o.maxConcurrentSends)
	}
	if o.statsRefreshInterval != DefaultStatsRefreshInterval {
		t.Errorf("expected default stats refresh %v, got %v", DefaultStatsRefreshInterval, o.statsRefreshInterval)
	}
	if o.onEventPublishFailure == nil {
		t.Error("expected a default event publish failure handler")
	}

	limits := o.getLimits()
	if limits.MaxSubjectLength != DefaultMaxSubjectLength ||
		limits.MaxBodyLength != DefaultMaxBodyLength ||
		limits.MaxRecipients != DefaultMaxRecipients {
		t.Errorf("unexpected default limits: %+v", limits)
	}
}

func TestOptionMinimums(t *testing.T) {
	t.Run("retention below minimum is ignored", func(t *testing.T) {
		o := newOptions(WithTrashRetention(time.Hour))
		if o.trashRetention != DefaultTrashRetention {
			t.Errorf("expected default to stick, got %v", o.trashRetention)
		}
		o = newOptions(WithTrashRetention(48 * time.Hour))
		if o.trashRetention != 48*time.Hour {
			t.Errorf("expected 48h, got %v", o.trashRetention)
		}
	})

	t.Run("shutdown timeout below minimum is ignored", func(t *testing.T) {
		o := newOptions(WithShutdownTimeout(10 * time.Millisecond))
		if o.shutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("expected default to stick, got %v", o.shutdownTimeout)
		}
	})

	t.Run("non-positive limits are ignored", func(t *testing.T) {
		o := newOptions(
			WithMaxSubjectLength(0),
			WithMaxBodyLength(-1),
			WithMaxRecipients(0),
			WithMaxConcurrentSends(-5),
		)
		if o.maxSubjectLength != DefaultMaxSubjectLength ||
			o.maxBodyLength != DefaultMaxBodyLength ||
			o.maxRecipients != DefaultMaxRecipients ||
			o.maxConcurrentSends != DefaultMaxConcurrentSends {
			t.Error("expected defaults to stick for non-positive values")
		}
	})
}

func TestQueryLimitConsistency(t *testing.T) {
	// Default above max gets capped to max.
	o := newOptions(
		WithMaxQueryLimit(50),
		WithDefaultQueryLimit(200),
	)
	if o.defaultQueryLimit != 50 {
		t.Errorf("expected default capped to 50, got %d", o.defaultQueryLimit)
	}
}

func TestCapListOptions(t *testing.T) {
	s := &service{opts: newOptions()}

	t.Run("zero limit gets the default", func(t *testing.T) {
		opts := s.capListOptions(ListOptions{})
		if opts.Limit != DefaultQueryLimit {
			t.Errorf("expected %d, got %d", DefaultQueryLimit, opts.Limit)
		}
	})

	t.Run("oversized limit is capped", func(t *testing.T) {
		opts := s.capListOptions(ListOptions{Limit: 10000})
		if opts.Limit != DefaultMaxQueryLimit {
			t.Errorf("expected %d, got %d", DefaultMaxQueryLimit, opts.Limit)
		}
	})

	t.Run("negative offset is clamped", func(t *testing.T) {
		opts := s.capListOptions(ListOptions{Offset: -5})
		if opts.Offset != 0 {
			t.Errorf("expected 0, got %d", opts.Offset)
		}
	})
}
