package pool

import "time"

// Defaults for IncomingEventPool.
const (
	DefaultIncomingMaxSize = 10_000
	DefaultIncomingMaxAge  = 300 * time.Second
)

// IncomingPool holds events awaiting classification by the host analyzer.
type IncomingPool struct {
	*Pool
}

// NewIncomingPool builds an incoming pool with the given bounds.
func NewIncomingPool(maxSize int, maxAge time.Duration) *IncomingPool {
	return &IncomingPool{Pool: New("incoming", maxSize, DropOldest, maxAge)}
}
