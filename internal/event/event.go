// Package event defines the wire envelope exchanged between mesh nodes and
// the bookkeeping wrapper used while an event sits in a pool.
package event

import (
	"fmt"
	"sync/atomic"
	"time"
)

// CumulativeType is the reserved event_type the engine uses to batch several
// outgoing events bound for the same destination into a single POST.
const CumulativeType = "cumulative"

// CommandPrefix marks an event as an FSM command rather than an
// application-level event; the engine, not the host, interprets these.
const CommandPrefix = "CMD_"

var nextID int64

// NextID returns a monotonically increasing identifier, unique within the
// lifetime of this process. The counter starts fresh on every process start
// while events rehydrated from a snapshot keep their original ID, so after a
// restart a new event may carry the same ID as a rehydrated one.
func NextID() int64 {
	return atomic.AddInt64(&nextID, 1)
}

// Result is the optional outcome carried by a reply event. Its presence on
// an Event signals that the event is a reply to a prior correlated request.
type Result struct {
	Result       string `json:"result"`
	ErrorCode    *int   `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Event is the immutable unit of work passed between nodes and between the
// ingress, analyzer, sender and persistence loops. Field names and JSON tags
// are bit-exact with the wire contract; do not rename without updating every
// node in the mesh.
type Event struct {
	ID int64 `json:"id"`

	Source        string `json:"source"`
	SourceAddress string `json:"source_address"`
	SourcePort    int    `json:"source_port"`

	Destination         string `json:"destination"`
	DestinationAddress  string `json:"destination_address"`
	DestinationPort     int    `json:"destination_port"`
	DestinationEndpoint string `json:"destination_endpoint"`

	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	// Payload is a small numeric cost (default 1) used by the send loop to
	// size cumulative events; it carries no other semantics.
	Payload float64 `json:"payload"`

	Data   map[string]any `json:"data,omitempty"`
	Result *Result        `json:"result,omitempty"`

	IsProcessing  bool `json:"is_processing"`
	IsSystemEvent bool `json:"is_system_event"`

	// MaximumProcessingTime is a timeout hint, in seconds, consulted by the
	// processing pool's check_timeouts sweep. Nil means "use the pool
	// default".
	MaximumProcessingTime *float64 `json:"maximum_processing_time,omitempty"`
}

// New builds an event with a fresh ID, a payload default of 1, and the
// timestamp set to now unless the caller overrides it afterwards.
func New(eventType, source, destination string) *Event {
	return &Event{
		ID:                  NextID(),
		Source:              source,
		Destination:         destination,
		DestinationEndpoint: "/event",
		EventType:           eventType,
		Timestamp:           time.Now(),
		Payload:             1,
	}
}

// IsCommand reports whether this event is an FSM command rather than an
// application event.
func (e *Event) IsCommand() bool {
	return len(e.EventType) >= len(CommandPrefix) && e.EventType[:len(CommandPrefix)] == CommandPrefix
}

// IsCumulative reports whether this event is an engine-generated batch of
// other events.
func (e *Event) IsCumulative() bool {
	return e.EventType == CumulativeType
}

// ReplyTo constructs the reply event for e: source and destination are
// swapped, the correlating timestamp and ID are copied so pop_by_timestamp
// can locate the original processing-pool entry, and result is populated.
func ReplyTo(e *Event, result *Result) *Event {
	return &Event{
		ID:                  e.ID,
		Source:              e.Destination,
		SourceAddress:       e.DestinationAddress,
		SourcePort:          e.DestinationPort,
		Destination:         e.Source,
		DestinationAddress:  e.SourceAddress,
		DestinationPort:     e.SourcePort,
		DestinationEndpoint: "/event",
		EventType:           e.EventType,
		Timestamp:           e.Timestamp,
		Payload:             1,
		Result:              result,
		IsSystemEvent:       e.IsSystemEvent,
	}
}

// String renders a compact identity for logging: it never includes Data or
// Result, which may carry host-defined payloads not meant for log lines.
func (e *Event) String() string {
	return fmt.Sprintf("Event{id=%d type=%s %s->%s ts=%s}", e.ID, e.EventType, e.Source, e.Destination, e.Timestamp.Format(time.RFC3339Nano))
}

// Metadata wraps an Event as stored inside a pool.
type Metadata struct {
	Event      *Event    `json:"event"`
	AddedAt    time.Time `json:"added_at"`
	RetryCount int       `json:"retry_count"`
}
