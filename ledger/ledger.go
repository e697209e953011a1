// Package ledger tracks identifiers the scraper gave up on, so a later
// retry pass can revisit exactly those items.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-nutrition/models"
)

// Ledger is a persistent set of skip entries keyed by item ID. Recording an
// ID that is already present replaces its entry. Every mutation is written
// through to disk before it returns.
type Ledger struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int]*models.SkipEntry
}

// New loads the ledger at path, creating its directory if needed. A missing
// or unreadable file degrades to an empty ledger.
func New(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	l := &Ledger{
		path:    path,
		logger:  logger,
		entries: make(map[int]*models.SkipEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("ledger unreadable, starting empty", "path", path, "error", err)
		}
		return l, nil
	}

	var list []*models.SkipEntry
	if err := json.Unmarshal(data, &list); err != nil {
		logger.Warn("ledger corrupt, starting empty", "path", path, "error", err)
		return l, nil
	}
	for _, e := range list {
		if e != nil {
			l.entries[e.ItemID] = e
		}
	}
	return l, nil
}

// Record upserts an entry and persists the ledger. A zero Timestamp is
// filled with the current time.
func (l *Ledger) Record(entry models.SkipEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.entries[entry.ItemID] = &entry
	return l.persistLocked()
}

// Remove deletes the entry for id, if present, and persists the ledger.
// It reports whether an entry was removed.
func (l *Ledger) Remove(id int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[id]; !ok {
		return false, nil
	}
	delete(l.entries, id)
	return true, l.persistLocked()
}

// Clear drops all entries and persists the empty ledger.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[int]*models.SkipEntry)
	return l.persistLocked()
}

// Entries returns a copy of all entries sorted by item ID.
func (l *Ledger) Entries() []*models.SkipEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*models.SkipEntry, 0, len(l.entries))
	for _, e := range l.entries {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// IDs returns all recorded item IDs in ascending order.
func (l *Ledger) IDs() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) persistLocked() error {
	list := make([]*models.SkipEntry, 0, len(l.entries))
	for _, e := range l.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ItemID < list[j].ItemID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}
