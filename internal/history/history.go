// Package history keeps the per-session short-term log: a rolling
// summary plus the recent messages, persisted as one JSON document per
// session. Writes happen only under the orchestrator's session mutex.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aslishyi/anima/internal/logging"
	"github.com/aslishyi/anima/internal/types"
)

// Pruning thresholds: past maxMessages, the oldest pruneCount messages
// are folded into the summary.
const (
	maxMessages = 15
	pruneCount  = 10
)

// Summarizer folds pruned lines into the running summary
type Summarizer interface {
	UpdateSummary(ctx context.Context, existing string, lines []string) (string, error)
}

// Record is one session's short-term state
type Record struct {
	Messages []types.ChatMessage `json:"messages"`
	Summary  string              `json:"summary"`
}

// Store reads and writes session records under dataRoot/history
type Store struct {
	dir string
}

// NewStore creates the history directory if needed
func NewStore(dataRoot string) (*Store, error) {
	dir := filepath.Join(dataRoot, "history")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load returns the record for a session; a missing file yields an empty record
func (s *Store) Load(sessionID string) (*Record, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return &Record{}, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.Warn("history", "corrupt record for %s, starting fresh: %v", sessionID, err)
		return &Record{}, nil
	}
	return &rec, nil
}

// Save persists the record atomically
func (s *Store) Save(sessionID string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := s.path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Prune folds the oldest messages into the summary once the record
// exceeds maxMessages. The pruned block is handed to onPruned once, as a
// whole, for long-term capture.
func (s *Store) Prune(ctx context.Context, rec *Record, summarizer Summarizer, onPruned func(block string)) error {
	if len(rec.Messages) <= maxMessages {
		return nil
	}

	oldest := rec.Messages[:pruneCount]
	rest := rec.Messages[pruneCount:]

	lines := make([]string, 0, len(oldest))
	for _, m := range oldest {
		lines = append(lines, FormatLine(m))
	}

	if summarizer != nil {
		updated, err := summarizer.UpdateSummary(ctx, rec.Summary, lines)
		if err != nil {
			// Keep the messages; we retry on the next prune
			return fmt.Errorf("summary update: %w", err)
		}
		rec.Summary = updated
	}
	rec.Messages = append([]types.ChatMessage(nil), rest...)

	if onPruned != nil {
		onPruned(strings.Join(lines, "\n"))
	}
	return nil
}

// FormatLine renders one message for summaries and prompts
func FormatLine(m types.ChatMessage) string {
	switch m.Role {
	case types.RoleAssistant:
		return "我: " + m.Content
	case types.RoleTool:
		return "[工具] " + m.Content
	default:
		name := m.Name
		if name == "" {
			name = "用户"
		}
		return name + ": " + m.Content
	}
}

// path sanitizes the session id into a file name
func (s *Store) path(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, sessionID)
	return filepath.Join(s.dir, safe+".json")
}
