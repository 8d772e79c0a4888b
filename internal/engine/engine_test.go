package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodemesh/meshnode/internal/config"
	"github.com/nodemesh/meshnode/internal/event"
	"github.com/nodemesh/meshnode/internal/fsm"
)

func serverAddrPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return host, port
}

func baseTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LoadState = false
	cfg.PersistPath = filepath.Join(t.TempDir(), "state.json")
	cfg.AnalyzeTickHz = 200
	cfg.SendTickHz = 200
	cfg.PersistTickHz = 50
	cfg.StoppingDeadlineSec = 1
	return cfg
}

func TestAcceptAnalyzesAndReplies(t *testing.T) {
	var received []*event.Event
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e event.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		received = append(received, &e)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr, port := serverAddrPort(t, srv)

	cfg := baseTestConfig(t)
	eng := New(cfg, []string{"ping"}, Hooks{})
	eng.hooks.Analyze = func(e *event.Event) bool {
		eng.Reply(e, &event.Result{Result: "ok"})
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	require.NoError(t, eng.FSM().Handle(fsm.CmdInitialize))
	require.NoError(t, eng.FSM().Handle(fsm.CmdRun))

	ev := event.New("ping", "peer-a", "node-1")
	ev.SourceAddress = addr
	ev.SourcePort = port
	eng.Accept(ev)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "ok", received[0].Result.Result)
	mu.Unlock()
}

func TestAnalyzeRetryBudgetDropsAfterRepeatedPanics(t *testing.T) {
	cfg := baseTestConfig(t)
	eng := New(cfg, []string{"boom"}, Hooks{
		Analyze: func(e *event.Event) bool {
			panic("always fails")
		},
	})
	require.NoError(t, eng.FSM().Handle(fsm.CmdInitialize))
	require.NoError(t, eng.FSM().Handle(fsm.CmdRun))

	eng.Accept(event.New("boom", "a", "b"))

	for i := 0; i < analyzerRetryBudget+2; i++ {
		eng.analyzeTick()
	}

	assert.Equal(t, 0, eng.incoming.Len())
	assert.EqualValues(t, 1, eng.incoming.Stats().TotalDropped)
}

func TestPersistThenLoadSnapshotRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	cfg := config.Default()
	cfg.LoadState = false
	cfg.PersistPath = path

	eng := New(cfg, nil, Hooks{})
	eng.incoming.Append(event.New("ping", "a", "b"))
	require.NoError(t, eng.SetState("counter", 42))
	require.NoError(t, eng.persistOnce())

	_, err := os.Stat(path)
	require.NoError(t, err)

	cfg2 := cfg
	cfg2.LoadState = true
	eng2 := New(cfg2, nil, Hooks{})
	require.NoError(t, eng2.loadSnapshot())

	assert.Equal(t, 1, eng2.incoming.Len())
	v, ok := eng2.GetState("counter")
	require.True(t, ok)
	assert.JSONEq(t, "42", string(v))
}

func TestHandleCommandDrivesFSM(t *testing.T) {
	cfg := baseTestConfig(t)
	eng := New(cfg, nil, Hooks{})
	eng.handleCommand(event.New(fsm.CmdInitialize, "self", "self"))
	assert.Equal(t, fsm.Initialized, eng.machine.State())
}

func TestBuildCumulativeSumsPayloadAndEmbedsOriginals(t *testing.T) {
	a := event.New("ping", "x", "y")
	a.DestinationAddress, a.DestinationPort = "10.0.0.1", 9000
	b := event.New("ping", "x", "y")
	b.DestinationAddress, b.DestinationPort = "10.0.0.1", 9000

	cumulative := buildCumulative([]*event.Metadata{{Event: a}, {Event: b}})
	assert.Equal(t, event.CumulativeType, cumulative.EventType)
	assert.Equal(t, float64(2), cumulative.Payload)
	assert.Equal(t, "10.0.0.1", cumulative.DestinationAddress)
}
