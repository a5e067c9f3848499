package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

var errClosed = errors.New("store closed")

// CursorStore keeps cursor records in a map. Records are copied on the way
// in and out so callers never share pointers with the store.
type CursorStore struct {
	mu     sync.RWMutex
	states map[string]crawler.CursorState
}

// NewCursorStore creates an empty store.
func NewCursorStore() *CursorStore {
	return &CursorStore{states: make(map[string]crawler.CursorState)}
}

// Load returns the record for targetID.
func (s *CursorStore) Load(_ context.Context, targetID string) (crawler.CursorState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[targetID]
	if !ok {
		return crawler.CursorState{}, false, nil
	}
	return clone(state), true, nil
}

// Save replaces the record.
func (s *CursorStore) Save(_ context.Context, state crawler.CursorState) error {
	if state.TargetID == "" {
		return errors.New("cursor target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.TargetID] = clone(state)
	return nil
}

// Delete removes the record.
func (s *CursorStore) Delete(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, targetID)
	return nil
}

// List returns all records ordered by target ID.
func (s *CursorStore) List(_ context.Context) ([]crawler.CursorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CursorState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, clone(state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func clone(state crawler.CursorState) crawler.CursorState {
	if state.BackfillStartedAt != nil {
		t := *state.BackfillStartedAt
		state.BackfillStartedAt = &t
	}
	if state.OldestSeenAt != nil {
		t := *state.OldestSeenAt
		state.OldestSeenAt = &t
	}
	return state
}
