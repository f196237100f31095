package affect

import (
	"encoding/json"
	"os"
	"time"

	"github.com/aslishyi/anima/internal/logging"
)

// SaveSnapshot writes the current state as JSON, for inspection tools
// and warm restarts
func (s *Store) SaveSnapshot(path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Restore seeds the store from a previous snapshot file. Missing or
// corrupt files leave the neutral starting state in place.
func (s *Store) Restore(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn("affect", "corrupt snapshot %s ignored: %v", path, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// LoadSnapshotFile reads a persisted state without a store, for
// read-only inspection
func LoadSnapshotFile(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

// StartSnapshotLoop persists the state periodically until stop closes
func (s *Store) StartSnapshotLoop(path string, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				s.SaveSnapshot(path)
				return
			case <-ticker.C:
				if err := s.SaveSnapshot(path); err != nil {
					logging.Warn("affect", "snapshot failed: %v", err)
				}
			}
		}
	}()
}
