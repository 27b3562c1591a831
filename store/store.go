// Package store persists the harvested corpus and harvest progress as a
// single JSON snapshot with atomic replacement.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChillzonToast/nitc-chatbot/models"
)

// Snapshot is the in-memory corpus plus the permanent skip list. Resolved
// progress is derived from both: every corpus key and every skipped id is
// done and never fetched again.
type Snapshot struct {
	Pages   map[int]*models.PageRecord
	Skipped map[int]struct{}
}

// NewSnapshot returns an empty snapshot (cold start).
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Pages:   make(map[int]*models.PageRecord),
		Skipped: make(map[int]struct{}),
	}
}

// Has reports whether the identifier is already resolved.
func (s *Snapshot) Has(id int) bool {
	if _, ok := s.Pages[id]; ok {
		return true
	}
	_, ok := s.Skipped[id]
	return ok
}

// AddPage merges a harvested page into the corpus.
func (s *Snapshot) AddPage(rec *models.PageRecord) {
	if rec == nil {
		return
	}
	s.Pages[rec.OldID] = rec
}

// AddSkip records an identifier as permanently resolved without content.
func (s *Snapshot) AddSkip(id int) {
	if _, ok := s.Pages[id]; ok {
		return
	}
	s.Skipped[id] = struct{}{}
}

// RemoveByTitle drops pages whose title contains substr and returns how many
// were removed. Removed ids join the skip list so they are not re-harvested.
func (s *Snapshot) RemoveByTitle(substr string) int {
	removed := 0
	for id, rec := range s.Pages {
		if strings.Contains(rec.Title, substr) {
			delete(s.Pages, id)
			s.Skipped[id] = struct{}{}
			removed++
		}
	}
	return removed
}

// fileFormat is the on-disk schema. The pages list is what the downstream
// answer component reads; skipped is harvest-only bookkeeping.
type fileFormat struct {
	Pages       []*models.PageRecord `json:"pages"`
	TotalPages  int                  `json:"total_pages"`
	LastUpdated time.Time            `json:"last_updated"`
	Skipped     []int                `json:"skipped,omitempty"`
}

// Store reads and writes corpus snapshots at a fixed path. Flush is
// single-writer: concurrent calls serialize on the internal mutex.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New builds a Store for the given file path.
func New(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the snapshot file path.
func (st *Store) Path() string {
	return st.path
}

// Load reads the last snapshot. A missing file yields an empty snapshot; an
// unreadable or corrupt file is an error the caller must treat as fatal.
func (st *Store) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load corpus %s: %w", st.path, err)
	}
	if len(raw) == 0 {
		return NewSnapshot(), nil
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("load corpus %s: decode: %w", st.path, err)
	}

	snap := NewSnapshot()
	for _, rec := range ff.Pages {
		if rec == nil {
			continue
		}
		snap.Pages[rec.OldID] = rec
	}
	for _, id := range ff.Skipped {
		if _, ok := snap.Pages[id]; !ok {
			snap.Skipped[id] = struct{}{}
		}
	}
	return snap, nil
}

// Flush writes the snapshot to a temporary file in the target directory and
// renames it over the snapshot path, so a crash mid-write never corrupts the
// last good snapshot. Output is byte-stable for identical state except the
// last_updated stamp.
func (st *Store) Flush(snap *Snapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ff := fileFormat{
		Pages:       sortedPages(snap),
		TotalPages:  len(snap.Pages),
		LastUpdated: st.now().UTC(),
		Skipped:     sortedSkips(snap),
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("flush corpus %s: encode: %w", st.path, err)
	}

	dir := filepath.Dir(st.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("flush corpus %s: create directory: %w", st.path, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(st.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("flush corpus %s: create temp: %w", st.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush corpus %s: write temp: %w", st.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("flush corpus %s: close temp: %w", st.path, err)
	}
	if err := os.Rename(tmpName, st.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("flush corpus %s: replace snapshot: %w", st.path, err)
	}
	return nil
}

func sortedPages(snap *Snapshot) []*models.PageRecord {
	pages := make([]*models.PageRecord, 0, len(snap.Pages))
	for _, rec := range snap.Pages {
		pages = append(pages, rec)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].OldID < pages[j].OldID })
	return pages
}

func sortedSkips(snap *Snapshot) []int {
	if len(snap.Skipped) == 0 {
		return nil
	}
	skips := make([]int, 0, len(snap.Skipped))
	for id := range snap.Skipped {
		skips = append(skips, id)
	}
	sort.Ints(skips)
	return skips
}
