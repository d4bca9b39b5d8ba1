package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the slot in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateFor(s.state.IsRecording, s.state.RecordingData), nil
}

func (s *MemoryStore) Set(ctx context.Context, active bool, data *RecordingData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFor(active, data)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
	return nil
}
