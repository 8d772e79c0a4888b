// Package discovery tracks the liveness of statically configured mesh
// neighbors, polling each one's health endpoint on its own ticker rather
// than piggybacking on the engine's analyze/send/persist loops.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/health"
	"github.com/nodemesh/meshnode/internal/nodelog"
)

// NeighborStatus is the last known liveness of one configured neighbor.
type NeighborStatus struct {
	Neighbor  config.Neighbor `json:"neighbor"`
	Healthy   bool            `json:"healthy"`
	Message   string          `json:"message"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Prober polls every configured neighbor's /healthz endpoint at a fixed
// interval and serves the latest result via Statuses.
type Prober struct {
	interval   time.Duration
	neighbors  []config.Neighbor
	newChecker func(url string) health.Checker

	mu      sync.Mutex
	results map[string]NeighborStatus
}

// NewProber builds a Prober for the given neighbors, probing every interval.
func NewProber(neighbors []config.Neighbor, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{
		interval:  interval,
		neighbors: neighbors,
		newChecker: func(url string) health.Checker {
			return health.NewHTTPChecker(url)
		},
		results: make(map[string]NeighborStatus, len(neighbors)),
	}
}

// Run polls every neighbor once immediately and then on each tick, until
// ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	log := nodelog.WithComponent("discovery")
	if len(p.neighbors) == 0 {
		return
	}

	p.pollAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug().Int("neighbors", len(p.neighbors)).Msg("polling neighbor liveness")
			p.pollAll(ctx)
		}
	}
}

func (p *Prober) pollAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, n := range p.neighbors {
		wg.Add(1)
		go func(n config.Neighbor) {
			defer wg.Done()
			p.pollOne(ctx, n)
		}(n)
	}
	wg.Wait()
}

func (p *Prober) pollOne(ctx context.Context, n config.Neighbor) {
	url := fmt.Sprintf("http://%s:%d/healthz", n.Address, n.Port)
	checker := p.newChecker(url)
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	result := checker.Check(checkCtx)

	p.mu.Lock()
	p.results[n.Name] = NeighborStatus{
		Neighbor:  n,
		Healthy:   result.Healthy,
		Message:   result.Message,
		CheckedAt: result.CheckedAt,
	}
	p.mu.Unlock()
}

// Statuses returns the latest known status of every configured neighbor, in
// configuration order. A neighbor not yet probed is reported as unhealthy
// with an explanatory message rather than omitted.
func (p *Prober) Statuses() []NeighborStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]NeighborStatus, 0, len(p.neighbors))
	for _, n := range p.neighbors {
		if s, ok := p.results[n.Name]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, NeighborStatus{Neighbor: n, Healthy: false, Message: "not yet probed"})
	}
	return out
}
