package pool

import (
	"time"

	"github.com/nodemesh/meshnode/internal/event"
)

// DefaultProcessingMaxTimeout is the fallback used when an event does not
// carry its own maximum_processing_time hint.
const DefaultProcessingMaxTimeout = 60 * time.Second

// ProcessingPool holds events promoted by the host and awaiting an external
// reply. It is unbounded in normal operation; the reject policy only
// matters if the pool is asked to enforce a size cap after corruption
// recovery.
type ProcessingPool struct {
	*Pool
	defaultTimeout time.Duration
}

// NewProcessingPool builds a processing pool. A maxSize of 0 means
// unbounded, the default for this pool.
func NewProcessingPool(maxSize int, defaultTimeout time.Duration) *ProcessingPool {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultProcessingMaxTimeout
	}
	return &ProcessingPool{
		Pool:           New("processing", maxSize, Reject, 0),
		defaultTimeout: defaultTimeout,
	}
}

// CheckTimeouts returns every entry whose added_at plus its
// maximum_processing_time (or the pool default) has elapsed. It does not
// remove them: a timed-out processing entry is surfaced to the host, which
// decides whether to reply, re-emit, or give up by calling pop_by_timestamp
// itself.
func (p *ProcessingPool) CheckTimeouts(now time.Time) []*event.Metadata {
	entries := p.Snapshot()
	out := entries[:0:0]
	for _, meta := range entries {
		timeout := p.defaultTimeout
		if meta.Event.MaximumProcessingTime != nil {
			timeout = time.Duration(*meta.Event.MaximumProcessingTime * float64(time.Second))
		}
		if now.Sub(meta.AddedAt) >= timeout {
			out = append(out, meta)
		}
	}
	return out
}
