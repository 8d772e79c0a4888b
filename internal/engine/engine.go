/*
Package engine wires the three pools, the FSM, and the ingress/egress
adapters into the cooperative analyze/send/persist loops described by the
specification.

	HTTP ingress ──► incoming pool ──► analyze loop ──► host analyze()
	                                        │                 │
	                                        │        true     │ false
	                                        ▼                 ▼
	                               processing pool      reply()/emit()
	                                        │                 │
	                                        └─────────┬───────┘
	                                                   ▼
	                                            sending pool ──► send loop ──► HTTP egress
	                                                   │
	                                      (all three pools + host state)
	                                                   ▼
	                                            persist loop ──► snapshot file

Each loop is a goroutine started by Run; Reply/Emit may be called from
within the host's Analyze callback (itself invoked under the analyze
loop), which is why no pool lock is ever held across a callback — see
pool.Pool's PopBatch.
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/egress"
	"github.com/nodemesh/meshnode/internal/event"
	"github.com/nodemesh/meshnode/internal/fsm"
	"github.com/nodemesh/meshnode/internal/metrics"
	"github.com/nodemesh/meshnode/internal/nodelog"
	"github.com/nodemesh/meshnode/internal/pool"
	"github.com/nodemesh/meshnode/internal/snapshot"

	"github.com/rs/zerolog"
)

// analyzerRetryBudget bounds how many times an event is re-queued to
// incoming after the host Analyze callback panics.
const analyzerRetryBudget = 3

// Hooks is the host callback surface: analyzer, optional local-data poll,
// optional processing-timeout notification, and the FSM lifecycle hooks.
type Hooks struct {
	// Analyze classifies a drained incoming event. true promotes it to the
	// processing pool; false means the host has already handled it
	// (typically via Reply or Emit) and the engine takes no further action.
	Analyze func(e *event.Event) bool

	// CheckLocalData is polled once per analyze tick, after the incoming
	// batch has been processed, so a host can poll device state at the
	// same cadence without a loop of its own.
	CheckLocalData func()

	// OnProcessingTimeout is called for every processing-pool entry whose
	// maximum_processing_time has elapsed. The engine does not
	// automatically reply on timeout; the host decides.
	OnProcessingTimeout func(meta *event.Metadata)

	Lifecycle fsm.Hooks
}

// Engine is a single mesh node's triple-queue runtime.
type Engine struct {
	cfg config.Config

	name    string
	address string
	port    int

	incoming   *pool.IncomingPool
	processing *pool.ProcessingPool
	sending    *pool.SendingPool

	machine *fsm.Machine
	client  *egress.Client
	store   *snapshot.Store

	hooks Hooks

	stateMu  sync.Mutex
	state    map[string]json.RawMessage
	stateGen uint64

	log zerolog.Logger
}

// New builds an Engine from cfg and the host-supplied hooks. startedEvents
// lists the user event types admitted for analysis while in STARTED (and
// still admitted while draining during STOPPING).
func New(cfg config.Config, startedEvents []string, hooks Hooks) *Engine {
	return &Engine{
		cfg:        cfg,
		name:       cfg.Name,
		address:    cfg.Address,
		port:       cfg.Port,
		incoming:   pool.NewIncomingPool(cfg.IncomingMaxSize, cfg.IncomingMaxAge()),
		processing: pool.NewProcessingPool(0, cfg.ProcessingMaxTimeout()),
		sending:    pool.NewSendingPool(cfg.SendingMaxSize, cfg.SendingMaxRetries),
		machine:    fsm.New(startedEvents, hooks.Lifecycle),
		client:     egress.NewClient(cfg.SendHTTPTimeout()),
		store:      snapshot.NewStore(cfg.PersistPath),
		hooks:      hooks,
		state:      make(map[string]json.RawMessage),
		log:        nodelog.WithComponent("engine"),
	}
}

// Name, Address, Port report this node's configured identity.
func (e *Engine) Name() string    { return e.name }
func (e *Engine) Address() string { return e.address }
func (e *Engine) Port() int       { return e.port }

// FSM exposes the lifecycle state machine, used by ingress to answer
// GET /state and to gate POST /event.
func (e *Engine) FSM() *fsm.Machine { return e.machine }

// Incoming, Processing, Sending expose the pools for stats reporting and
// tests; mutation from outside the engine should go through Accept, Reply,
// or Emit instead of calling pool methods directly.
func (e *Engine) Incoming() *pool.IncomingPool     { return e.incoming }
func (e *Engine) Processing() *pool.ProcessingPool { return e.processing }
func (e *Engine) Sending() *pool.SendingPool       { return e.sending }

// SetState stores a host state value under key, persisted alongside the
// pools on the next persist tick.
func (e *Engine) SetState(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("engine: marshal state %q: %w", key, err)
	}
	e.stateMu.Lock()
	e.state[key] = data
	e.stateGen++
	e.stateMu.Unlock()
	return nil
}

// GetState fetches a previously set host state value.
func (e *Engine) GetState(key string) (json.RawMessage, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	v, ok := e.state[key]
	return v, ok
}

// StateSnapshot returns a shallow copy of the full host state map.
func (e *Engine) StateSnapshot() map[string]json.RawMessage {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make(map[string]json.RawMessage, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// Accept is the ingress entry point: a "cumulative" event is exploded into
// its constituents, an FSM command is tagged as a system event, and
// everything else is appended to the incoming pool. Ingress is responsible
// for deciding whether to call Accept at all (it refuses while STOPPING).
func (e *Engine) Accept(ev *event.Event) {
	if ev.IsCommand() {
		ev.IsSystemEvent = true
		e.incoming.Append(ev)
		return
	}
	if ev.IsCumulative() {
		e.explodeCumulative(ev)
		return
	}
	e.incoming.Append(ev)
}

func (e *Engine) explodeCumulative(ev *event.Event) {
	raw, ok := ev.Data["events"]
	if !ok {
		e.log.Debug().Msg("cumulative event carried no data.events, ignoring")
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		e.log.Error().Err(err).Msg("cumulative event re-marshal failed")
		return
	}
	var subs []*event.Event
	if err := json.Unmarshal(data, &subs); err != nil {
		e.log.Error().Err(err).Msg("cumulative event sub-events malformed")
		return
	}
	for _, sub := range subs {
		e.incoming.Append(sub)
	}
}

// Reply constructs the reply to orig (swapped source/destination, copied
// correlation timestamp, result populated), appends it to the sending pool,
// and removes orig from the processing pool if it is still there.
func (e *Engine) Reply(orig *event.Event, result *event.Result) {
	reply := event.ReplyTo(orig, result)
	e.sending.AppendWithRetry(reply, 0)
	e.processing.PopByTimestamp(orig.Timestamp)
}

// Emit appends an arbitrary outgoing event to the sending pool.
func (e *Engine) Emit(ev *event.Event) {
	e.sending.AppendWithRetry(ev, 0)
}

// Run starts the analyze, send, and persist loops and blocks until ctx is
// canceled. On a load-state config it first rehydrates from the persisted
// snapshot.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.LoadState {
		if err := e.loadSnapshot(); err != nil {
			e.log.Error().Err(err).Msg("snapshot rehydration failed, starting empty")
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.analyzeLoop(ctx) }()
	go func() { defer wg.Done(); e.sendLoop(ctx) }()
	go func() { defer wg.Done(); e.persistLoop(ctx) }()
	wg.Wait()
	return nil
}

func (e *Engine) loadSnapshot() error {
	snap, found, err := e.store.Load()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for _, ev := range snap.IncomingEvents {
		e.incoming.Append(ev)
	}
	for _, ev := range snap.ProcessingEvents {
		ev.IsProcessing = true
		e.processing.Append(ev)
	}
	for _, entry := range snap.EventsToSend {
		e.sending.Rehydrate(entry.Event, entry.RetryCount, entry.AddedAt)
	}

	e.stateMu.Lock()
	for k, v := range snap.State {
		e.state[k] = v
	}
	e.stateMu.Unlock()

	e.log.Info().
		Int("incoming", len(snap.IncomingEvents)).
		Int("processing", len(snap.ProcessingEvents)).
		Int("sending", len(snap.EventsToSend)).
		Msg("rehydrated from snapshot")
	return nil
}

// --- analyze loop ---

func (e *Engine) analyzeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.AnalyzeTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.analyzeTick()
		}
	}
}

func (e *Engine) analyzeTick() {
	batch := e.incoming.PopBatch(100)
	for _, meta := range batch {
		switch {
		case meta.Event.IsCommand():
			e.handleCommand(meta.Event)
		case !e.machine.Admitted(meta.Event.EventType):
			e.incoming.Reinsert(meta)
		default:
			e.invokeAnalyze(meta)
		}
	}

	if e.hooks.CheckLocalData != nil {
		e.hooks.CheckLocalData()
	}
	e.checkProcessingTimeouts()
}

func (e *Engine) invokeAnalyze(meta *event.Metadata) {
	promote, panicErr := e.safeAnalyze(meta.Event)
	if panicErr != nil {
		metrics.AnalyzeErrorsTotal.Inc()
		if !meta.Event.IsSystemEvent {
			e.log.Error().Err(panicErr).Str("event", meta.Event.String()).Msg("analyze callback panicked")
		}
		if meta.RetryCount+1 > analyzerRetryBudget {
			e.incoming.RecordDropped(1)
			e.log.Warn().Str("event", meta.Event.String()).Msg("analyze retry budget exhausted, dropping event")
			return
		}
		meta.RetryCount++
		e.incoming.Reinsert(meta)
		return
	}

	if promote {
		meta.Event.IsProcessing = true
		e.processing.Append(meta.Event)
	}
}

func (e *Engine) safeAnalyze(ev *event.Event) (promote bool, panicErr error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = fmt.Errorf("%v\n%s", r, debug.Stack())
		}
	}()
	if e.hooks.Analyze == nil {
		return false, nil
	}
	return e.hooks.Analyze(ev), nil
}

func (e *Engine) checkProcessingTimeouts() {
	if e.hooks.OnProcessingTimeout == nil {
		return
	}
	for _, meta := range e.processing.CheckTimeouts(time.Now()) {
		e.hooks.OnProcessingTimeout(meta)
	}
}

func (e *Engine) handleCommand(ev *event.Event) {
	before := e.machine.State()
	if err := e.machine.Handle(ev.EventType); err != nil {
		e.log.Warn().Err(err).Str("command", ev.EventType).Str("state", string(before)).Msg("fsm command rejected")
		return
	}
	after := e.machine.State()
	metrics.FSMTransitionsTotal.WithLabelValues(string(before), string(after)).Inc()
	e.log.Info().Str("from", string(before)).Str("to", string(after)).Msg("fsm transition")

	if ev.EventType == fsm.CmdGracefulStop {
		go e.drainOnStop()
	}
}

func (e *Engine) drainOnStop() {
	deadline := time.NewTimer(e.cfg.StoppingDeadline())
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.SendTick())
	defer poll.Stop()

	for e.sending.Len() > 0 {
		select {
		case <-deadline.C:
			dropped := e.sending.PopBatch(e.sending.Len())
			if len(dropped) > 0 {
				e.sending.RecordDropped(len(dropped))
				e.log.Warn().Int("count", len(dropped)).Msg("stopping deadline elapsed, dropping remaining outgoing events")
			}
		case <-poll.C:
			continue
		}
		break
	}

	if err := e.persistOnce(); err != nil {
		e.log.Error().Err(err).Msg("final persist during stop failed")
	}
	before := e.machine.State()
	e.machine.FinishStop()
	after := e.machine.State()
	if before != after {
		metrics.FSMTransitionsTotal.WithLabelValues(string(before), string(after)).Inc()
	}
}

// --- send loop ---

func (e *Engine) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SendTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendTick(ctx)
		}
	}
}

func (e *Engine) sendTick(ctx context.Context) {
	groups := e.sending.PopBatchGrouped(100)
	if len(groups) == 0 {
		return
	}

	var wg sync.WaitGroup
	for dest, metas := range groups {
		wg.Add(1)
		go func(dest pool.Destination, metas []*event.Metadata) {
			defer wg.Done()
			e.dispatchGroup(ctx, dest, metas)
		}(dest, metas)
	}
	wg.Wait()
}

func (e *Engine) dispatchGroup(ctx context.Context, dest pool.Destination, metas []*event.Metadata) {
	if len(metas) == 1 {
		meta := metas[0]
		if err := e.client.Post(ctx, meta.Event); err != nil {
			metrics.SendAttemptsTotal.WithLabelValues("failure").Inc()
			e.handleSendFailure(meta)
			return
		}
		metrics.SendAttemptsTotal.WithLabelValues("success").Inc()
		return
	}

	cumulative := buildCumulative(metas)
	if err := e.client.Post(ctx, cumulative); err != nil {
		metrics.SendAttemptsTotal.WithLabelValues("failure").Add(float64(len(metas)))
		// A failed cumulative is decomposed: every original is retried
		// individually, never as a retried cumulative, so the retry budget
		// is enforced per original event.
		for _, meta := range metas {
			e.handleSendFailure(meta)
		}
		return
	}
	metrics.SendAttemptsTotal.WithLabelValues("success").Add(float64(len(metas)))
	metrics.CumulativeBatchSize.Observe(float64(len(metas)))
}

func (e *Engine) handleSendFailure(meta *event.Metadata) {
	if !e.sending.Retry(meta) {
		e.sending.RecordDropped(1)
		e.log.Warn().Str("event", meta.Event.String()).Int("retry_count", meta.RetryCount).Msg("retry budget exhausted, dropping outgoing event")
	}
}

func buildCumulative(metas []*event.Metadata) *event.Event {
	first := metas[0].Event
	serialized := make([]*event.Event, len(metas))
	var sum float64
	for i, meta := range metas {
		serialized[i] = meta.Event
		sum += meta.Event.Payload
	}

	cumulative := event.New(event.CumulativeType, first.Source, first.Destination)
	cumulative.SourceAddress = first.SourceAddress
	cumulative.SourcePort = first.SourcePort
	cumulative.DestinationAddress = first.DestinationAddress
	cumulative.DestinationPort = first.DestinationPort
	cumulative.DestinationEndpoint = first.DestinationEndpoint
	cumulative.Payload = sum
	cumulative.IsSystemEvent = true
	cumulative.Data = map[string]any{"events": serialized}
	return cumulative
}

// --- persist loop ---

func (e *Engine) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PersistTick())
	defer ticker.Stop()

	var lastFingerprint uint64
	for {
		select {
		case <-ctx.Done():
			if err := e.persistOnce(); err != nil {
				e.log.Error().Err(err).Msg("final persist on shutdown failed")
			}
			return
		case <-ticker.C:
			e.updateGauges()
			fp := e.fingerprint()
			if fp == lastFingerprint {
				continue
			}
			if err := e.persistOnce(); err != nil {
				metrics.PersistFailuresTotal.Inc()
				e.log.Error().Err(err).Msg("persist tick failed, will retry next tick")
				continue
			}
			lastFingerprint = fp
		}
	}
}

// fingerprint is a cheap proxy for "did anything change since the last
// snapshot": the sum of every pool's mutation counters plus the host state
// generation. It never decreases, so a changed value always means new work
// to persist.
func (e *Engine) fingerprint() uint64 {
	var total uint64
	for _, s := range []pool.Stats{e.incoming.Stats(), e.processing.Stats(), e.sending.Stats()} {
		total += s.TotalAdded + s.TotalRemoved + s.TotalDropped
	}
	e.stateMu.Lock()
	total += e.stateGen
	e.stateMu.Unlock()
	return total
}

func (e *Engine) persistOnce() error {
	start := time.Now()
	snap := snapshot.Snapshot{
		IncomingEvents:   eventsOnly(e.incoming.Snapshot()),
		ProcessingEvents: eventsOnly(e.processing.Snapshot()),
		EventsToSend:     sendingEntries(e.sending.Snapshot()),
		State:            e.StateSnapshot(),
	}
	err := e.store.Write(snap)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	return err
}

func eventsOnly(metas []*event.Metadata) []*event.Event {
	out := make([]*event.Event, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Event)
	}
	return out
}

func sendingEntries(metas []*event.Metadata) []snapshot.SendingEntry {
	out := make([]snapshot.SendingEntry, 0, len(metas))
	for _, m := range metas {
		out = append(out, snapshot.SendingEntry{Event: m.Event, RetryCount: m.RetryCount, AddedAt: m.AddedAt})
	}
	return out
}

// updateGauges syncs the Prometheus pool gauges/counters from each pool's
// Stats. Called once per persist tick, which is frequent enough for a
// scrape interval measured in seconds and avoids touching every pool's
// lock on every analyze/send tick.
func (e *Engine) updateGauges() {
	for _, p := range []struct {
		name  string
		stats pool.Stats
	}{
		{"incoming", e.incoming.Stats()},
		{"processing", e.processing.Stats()},
		{"sending", e.sending.Stats()},
	} {
		metrics.PoolSize.WithLabelValues(p.name).Set(float64(p.stats.Size))
		metrics.PoolTotalAdded.WithLabelValues(p.name).Set(float64(p.stats.TotalAdded))
		metrics.PoolTotalDropped.WithLabelValues(p.name).Set(float64(p.stats.TotalDropped))
	}
}
