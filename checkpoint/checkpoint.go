// Package checkpoint persists scrape progress so interrupted runs can resume.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

// State is the on-disk checkpoint document.
type State struct {
	CompletedIDs   []int            `json:"completed_ids"`
	Records        []*models.Record `json:"data"`
	LastCheckpoint *time.Time       `json:"last_checkpoint"`
	TotalScraped   int              `json:"total_scraped"`
}

// Store reads and writes checkpoint state atomically. A .bak copy of the
// previous checkpoint is kept so a corrupt primary file never loses a run.
type Store struct {
	path    string
	bakPath string
	logger  *slog.Logger

	mu             sync.Mutex
	lastSavedCount int
	completed      map[int]struct{}
	records        []*models.Record
}

// NewStore creates the checkpoint directory if needed and returns a store
// bound to path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	return &Store{
		path:           path,
		bakPath:        path + ".bak",
		logger:         logger,
		lastSavedCount: -1,
		completed:      make(map[int]struct{}),
	}, nil
}

// Load returns the persisted state. It never fails: a missing file yields an
// empty state, and a corrupt primary falls back to the backup copy before
// giving up and starting fresh.
func (s *Store) Load() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := readState(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no checkpoint found, starting fresh", "path", s.path)
			s.rememberLocked(&State{})
			return &State{}
		}
		s.logger.Warn("checkpoint unreadable, trying backup", "path", s.path, "error", err)
		state, err = readState(s.bakPath)
		if err != nil {
			s.logger.Warn("backup checkpoint unreadable, starting fresh", "path", s.bakPath, "error", err)
			s.rememberLocked(&State{})
			return &State{}
		}
		s.logger.Info("recovered checkpoint from backup", "path", s.bakPath, "completed", len(state.CompletedIDs))
	}

	s.lastSavedCount = len(state.CompletedIDs)
	s.rememberLocked(state)
	return state
}

// rememberLocked snapshots state for the read accessors.
func (s *Store) rememberLocked(state *State) {
	s.completed = make(map[int]struct{}, len(state.CompletedIDs))
	for _, id := range state.CompletedIDs {
		s.completed[id] = struct{}{}
	}
	s.records = append([]*models.Record(nil), state.Records...)
}

// IsCompleted reports whether id was completed as of the last Load or
// successful Save.
func (s *Store) IsCompleted(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[id]
	return ok
}

// CompletedIDs returns a copy of the completed-identifier set as of the
// last Load or successful Save.
func (s *Store) CompletedIDs() map[int]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]struct{}, len(s.completed))
	for id := range s.completed {
		out[id] = struct{}{}
	}
	return out
}

// Records returns the accumulated records as of the last Load or
// successful Save.
func (s *Store) Records() []*models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Record(nil), s.records...)
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &state, nil
}

// Save writes the current progress to disk. Unless force is set, a save with
// no new completions since the last write is skipped. The previous checkpoint
// is copied to the .bak file first, then the new state is written to a temp
// file and renamed into place. Returns false if the write failed.
func (s *Store) Save(completedIDs []int, records []*models.Record, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && len(completedIDs) == s.lastSavedCount {
		return true
	}

	s.backupLocked()

	ids := make([]int, len(completedIDs))
	copy(ids, completedIDs)
	sort.Ints(ids)

	now := time.Now().UTC()
	state := State{
		CompletedIDs:   ids,
		Records:        records,
		LastCheckpoint: &now,
		TotalScraped:   len(records),
	}

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode checkpoint", "error", err)
		return false
	}

	if err := writeAtomic(s.path, data); err != nil {
		s.logger.Error("failed to write checkpoint", "path", s.path, "error", err)
		return false
	}

	s.lastSavedCount = len(ids)
	s.rememberLocked(&state)
	return true
}

// backupLocked copies the primary checkpoint to the .bak path. Failures are
// logged and otherwise ignored so a bad backup never blocks a save.
func (s *Store) backupLocked() {
	src, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to open checkpoint for backup", "path", s.path, "error", err)
		}
		return
	}
	defer src.Close()

	dst, err := os.Create(s.bakPath)
	if err != nil {
		s.logger.Warn("failed to create checkpoint backup", "path", s.bakPath, "error", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		s.logger.Warn("failed to copy checkpoint backup", "path", s.bakPath, "error", err)
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
