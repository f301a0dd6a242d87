package history

import (
	"fmt"
	"os"
	"path/filepath"

	"companionkit/core"

	"github.com/bytedance/sonic"
)

// document is the persisted JSON shape: {"conversation": [{role, content}]}.
type document struct {
	Conversation []core.Turn `json:"conversation"`
}

// Store is a bounded, ordered log of conversation turns backed by a single
// JSON file. It assumes one in-process writer; there is no cross-process
// locking. Persistence is synchronous on every append.
type Store struct {
	path     string
	maxTurns int
	logger   *core.Logger
	turns    []core.Turn
}

// NewStore creates a history store persisting to path and retaining at most
// maxTurns turns. Call Load before first use to pick up prior state.
func NewStore(path string, maxTurns int, logger *core.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Store{
		path:     path,
		maxTurns: maxTurns,
		logger:   logger.With(map[string]any{"component": "history"}),
	}
}

// Load reads the persisted history into memory and returns a snapshot.
// A missing or corrupt file is not an error: the store starts empty and the
// problem is logged, so a damaged history never blocks startup.
func (s *Store) Load() []core.Turn {
	s.turns = nil

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.With(map[string]any{"path": s.path, "error": err.Error()}).Warn("failed to read history file, starting empty")
		}
		return s.Snapshot()
	}

	var doc document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		s.logger.With(map[string]any{"path": s.path, "error": err.Error()}).Warn("failed to parse history file, starting empty")
		return s.Snapshot()
	}

	s.turns = doc.Conversation
	if len(s.turns) > s.maxTurns {
		s.turns = s.turns[len(s.turns)-s.maxTurns:]
	}
	return s.Snapshot()
}

// Append adds the user turn then the AI turn, truncates the history to the
// most recent maxTurns entries, and persists synchronously. The ordered pair
// is always written together so the log alternates User/AI.
func (s *Store) Append(user, ai core.Turn) error {
	s.turns = append(s.turns, user, ai)
	if len(s.turns) > s.maxTurns {
		s.turns = s.turns[len(s.turns)-s.maxTurns:]
	}
	return s.persist()
}

// Snapshot returns a copy of the in-memory history.
func (s *Store) Snapshot() []core.Turn {
	out := make([]core.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of turns currently held.
func (s *Store) Len() int {
	return len(s.turns)
}

// persist writes the full document to a temp file in the same directory and
// renames it over the target, so a reader never observes a partially written
// file under single-writer conditions.
func (s *Store) persist() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("history: create dir %q: %w", dir, err)
		}
	}

	data, err := sonic.MarshalIndent(document{Conversation: s.turns}, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("history: rename %q: %w", s.path, err)
	}
	return nil
}
