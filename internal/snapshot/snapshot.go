// Package snapshot persists and rehydrates the triple-queue state and host
// state to a single JSON file, written atomically via a temp-file-plus-
// rename.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nodemesh/meshnode/internal/event"
)

// SendingEntry pairs an outgoing event with the retry count and original
// admission time it had accumulated at persist time.
type SendingEntry struct {
	Event      *event.Event `json:"event"`
	RetryCount int          `json:"retry_count"`
	AddedAt    time.Time    `json:"added_at"`
}

// Snapshot is the on-disk schema for a persisted node state file.
type Snapshot struct {
	IncomingEvents   []*event.Event             `json:"incoming_events"`
	ProcessingEvents []*event.Event             `json:"processing_events"`
	EventsToSend     []SendingEntry             `json:"events_to_send"`
	State            map[string]json.RawMessage `json:"state"`
}

// Store reads and writes a Snapshot at a fixed path.
type Store struct {
	path string
}

// NewStore builds a Store at the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write serializes snap to JSON and installs it atomically: the payload is
// written to a sibling temp file first, then renamed into place, so a crash
// mid-write never leaves a half-written snapshot at path.
func (s *Store) Write(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(s.path), uuid.NewString()))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing file is not an error: it
// reports found=false so the caller starts from an empty state.
func (s *Store) Load() (snap Snapshot, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("snapshot: read: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return snap, true, nil
}
