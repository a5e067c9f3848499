package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

const cursorExt = ".json"

// CursorStore keeps one JSON file per target. Saves replace the file with a
// rename, so a crash leaves either the old or the new record.
type CursorStore struct {
	mu  sync.Mutex
	dir string
}

// NewCursorStore creates a cursor store rooted at cfg.BaseDir.
func NewCursorStore(cfg Config) (*CursorStore, error) {
	dir, err := prepareDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &CursorStore{dir: dir}, nil
}

// Load reads the record for targetID.
func (s *CursorStore) Load(_ context.Context, targetID string) (crawler.CursorState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.read(s.file(targetID))
	if errors.Is(err, os.ErrNotExist) {
		return crawler.CursorState{}, false, nil
	}
	if err != nil {
		return crawler.CursorState{}, false, fmt.Errorf("load cursor %s: %w", targetID, err)
	}
	return state, true, nil
}

// Save writes the whole record.
func (s *CursorStore) Save(_ context.Context, state crawler.CursorState) error {
	if state.TargetID == "" {
		return fmt.Errorf("cursor target id is required")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursor %s: %w", state.TargetID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.file(state.TargetID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save cursor %s: %w", state.TargetID, err)
	}
	return nil
}

// Delete removes the record for targetID. Missing records are not an error.
func (s *CursorStore) Delete(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.file(targetID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete cursor %s: %w", targetID, err)
	}
	return nil
}

// List returns every record ordered by target.
func (s *CursorStore) List(_ context.Context) ([]crawler.CursorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	var out []crawler.CursorState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, cursorExt) || strings.HasPrefix(name, ".") {
			continue
		}
		state, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read cursor %s: %w", name, err)
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

// file maps a target id onto a single safe file name.
func (s *CursorStore) file(targetID string) string {
	return filepath.Join(s.dir, url.PathEscape(targetID)+cursorExt)
}

func (s *CursorStore) read(path string) (crawler.CursorState, error) {
	// #nosec G304 -- path is built from the store directory and an escaped id.
	data, err := os.ReadFile(path)
	if err != nil {
		return crawler.CursorState{}, err
	}
	var state crawler.CursorState
	if err := json.Unmarshal(data, &state); err != nil {
		return crawler.CursorState{}, fmt.Errorf("decode cursor: %w", err)
	}
	return state, nil
}
