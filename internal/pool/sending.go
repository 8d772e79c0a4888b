package pool

import (
	"time"

	"github.com/nodemesh/meshnode/internal/event"
)

// Defaults for SendingEventPool.
const (
	DefaultSendingMaxSize    = 50_000
	DefaultSendingMaxRetries = 3
)

// Destination identifies a (address, port) pair events are grouped by for
// batched dispatch.
type Destination struct {
	Address string
	Port    int
}

// SendingPool holds outbound events, both fresh and retries.
type SendingPool struct {
	*Pool
	MaxRetries int
}

// NewSendingPool builds a sending pool with the given bounds.
func NewSendingPool(maxSize, maxRetries int) *SendingPool {
	if maxRetries <= 0 {
		maxRetries = DefaultSendingMaxRetries
	}
	return &SendingPool{
		Pool:       New("sending", maxSize, DropOldest, 0),
		MaxRetries: maxRetries,
	}
}

// PopBatchGrouped drains up to batchSize entries in FIFO order and groups
// them by destination, preserving within-group FIFO order. Used by the send
// loop to build per-destination cumulative POSTs.
func (p *SendingPool) PopBatchGrouped(batchSize int) map[Destination][]*event.Metadata {
	drained := p.PopBatch(batchSize)
	groups := make(map[Destination][]*event.Metadata)
	for _, meta := range drained {
		dest := Destination{Address: meta.Event.DestinationAddress, Port: meta.Event.DestinationPort}
		groups[dest] = append(groups[dest], meta)
	}
	return groups
}

// Retry re-inserts meta with retry_count incremented by one, iff the new
// count does not exceed MaxRetries (so a pool with MaxRetries=3 allows a
// total of MaxRetries+1 POST attempts per event, matching the bound
// enforced in the end-to-end retry-exhaustion scenario). It reports whether
// the entry was re-admitted; false means the caller must count the event as
// dropped.
func (p *SendingPool) Retry(meta *event.Metadata) bool {
	next := meta.RetryCount + 1
	if next > p.MaxRetries {
		return false
	}
	return p.AppendWithRetry(meta.Event, next)
}

// Rehydrate re-admits an event recovered from a persisted snapshot,
// preserving its retry count and original added_at rather than restarting
// its retry clock at process start.
func (p *SendingPool) Rehydrate(e *event.Event, retryCount int, addedAt time.Time) bool {
	meta := &event.Metadata{Event: e, AddedAt: addedAt, RetryCount: retryCount}
	return p.Reinsert(meta)
}
