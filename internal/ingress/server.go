// Package ingress exposes the node's HTTP surface: event intake, state
// introspection, neighbor discovery, liveness, and Prometheus scraping,
// routed with gorilla/mux.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nodemesh/meshnode/internal/discovery"
	"github.com/nodemesh/meshnode/internal/engine"
	"github.com/nodemesh/meshnode/internal/event"
	"github.com/nodemesh/meshnode/internal/fsm"
	"github.com/nodemesh/meshnode/internal/metrics"
	"github.com/nodemesh/meshnode/internal/nodelog"
	"github.com/nodemesh/meshnode/internal/pool"
)

// Server is the node's HTTP front door.
type Server struct {
	eng    *engine.Engine
	prober *discovery.Prober
	router *mux.Router
}

// New builds a Server wrapping eng. prober may be nil if no neighbors are
// configured, in which case GET /discovery reports an empty list.
func New(eng *engine.Engine, prober *discovery.Prober) *Server {
	s := &Server{eng: eng, prober: prober, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/event", s.handlePostEvent).Methods(http.MethodPost)
	s.router.HandleFunc("/state", s.handleGetState).Methods(http.MethodGet)
	s.router.HandleFunc("/discovery", s.handleGetDiscovery).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// handlePostEvent accepts a single Event from a peer node or a local
// client. While the node is STOPPING, ingress is refused with 503 so a
// draining node stops accumulating new work, per the lifecycle contract.
// A successfully appended event gets a bare 200; a decode or validation
// failure gets 422 with {"error": "..."} — both malformed JSON and a
// semantically invalid event are the same validation failure kind.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	if !s.eng.FSM().AcceptsIngress() {
		http.Error(w, "node is stopping, ingress refused", http.StatusServiceUnavailable)
		return
	}

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeValidationError(w, "malformed event body: "+err.Error())
		return
	}
	if err := s.validateEvent(&ev); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if ev.ID == 0 {
		ev.ID = event.NextID()
	}

	s.eng.Accept(&ev)
	w.WriteHeader(http.StatusOK)
}

// validateEvent enforces the minimal admission checks: required fields
// present, destination matches this node, timestamp parseable (decode
// already rejects an unparseable timestamp string; a zero time.Time means
// the field was absent).
func (s *Server) validateEvent(ev *event.Event) error {
	switch {
	case ev.EventType == "":
		return errors.New("event_type is required")
	case ev.Source == "":
		return errors.New("source is required")
	case ev.Destination == "":
		return errors.New("destination is required")
	case ev.Destination != s.eng.Name():
		return fmt.Errorf("destination %q does not match this node %q", ev.Destination, s.eng.Name())
	case ev.Timestamp.IsZero():
		return errors.New("timestamp is required")
	default:
		return nil
	}
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": msg})
}

// stateResponse is the GET /state wire shape.
type stateResponse struct {
	Node       string         `json:"node"`
	FSMState   string         `json:"fsm_state"`
	QueueStats queueStats     `json:"queue_stats"`
	Host       map[string]any `json:"host_state"`
}

// queueStats nests the three pools' stats under queue_stats, the documented
// shape of GET /state.
type queueStats struct {
	Incoming   poolStats `json:"incoming"`
	Processing poolStats `json:"processing"`
	Sending    poolStats `json:"sending"`
}

type poolStats struct {
	Size         int    `json:"size"`
	MaxSize      int    `json:"max_size"`
	TotalAdded   uint64 `json:"total_added"`
	TotalRemoved uint64 `json:"total_removed"`
	TotalDropped uint64 `json:"total_dropped"`
}

func toPoolStats(s pool.Stats) poolStats {
	return poolStats{
		Size: s.Size, MaxSize: s.MaxSize,
		TotalAdded: s.TotalAdded, TotalRemoved: s.TotalRemoved, TotalDropped: s.TotalDropped,
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	host := make(map[string]any, len(s.eng.StateSnapshot()))
	for k, v := range s.eng.StateSnapshot() {
		host[k] = json.RawMessage(v)
	}

	resp := stateResponse{
		Node:     s.eng.Name(),
		FSMState: string(s.eng.FSM().State()),
		QueueStats: queueStats{
			Incoming:   toPoolStats(s.eng.Incoming().Stats()),
			Processing: toPoolStats(s.eng.Processing().Stats()),
			Sending:    toPoolStats(s.eng.Sending().Stats()),
		},
		Host: host,
	}
	writeJSON(w, http.StatusOK, resp)
}

// discoveryResponse is the GET /discovery wire shape: this node's own
// identity plus its neighbors, each carrying the documented {name, address,
// port} alongside the richer liveness fields the prober tracks.
type discoveryResponse struct {
	Name      string              `json:"name"`
	Address   string              `json:"address"`
	Port      int                 `json:"port"`
	Neighbors []discoveryNeighbor `json:"neighbors"`
}

type discoveryNeighbor struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

func (s *Server) handleGetDiscovery(w http.ResponseWriter, r *http.Request) {
	resp := discoveryResponse{
		Name:      s.eng.Name(),
		Address:   s.eng.Address(),
		Port:      s.eng.Port(),
		Neighbors: []discoveryNeighbor{},
	}
	if s.prober != nil {
		for _, st := range s.prober.Statuses() {
			resp.Neighbors = append(resp.Neighbors, discoveryNeighbor{
				Name:      st.Neighbor.Name,
				Address:   st.Neighbor.Address,
				Port:      st.Neighbor.Port,
				Healthy:   st.Healthy,
				Message:   st.Message,
				CheckedAt: st.CheckedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.eng.FSM().State()
	if state == fsm.Fault {
		http.Error(w, "node in FAULT state", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "fsm_state": string(state)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		nodelog.WithComponent("ingress").Error().Err(err).Msg("failed to encode response")
	}
}
