package store

import (
	"context"
	"sync"

	"github.com/voiceagent/turnmetrics/internal/callmetrics"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]SessionRecord
	interactions map[string][]callmetrics.Interaction
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]SessionRecord),
		interactions: make(map[string][]callmetrics.Interaction),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Summary != nil {
		sum := *record.Summary
		record.Summary = &sum
	}
	s.sessions[record.CallID] = record
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, callID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[callID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemoryStore) SaveInteractions(_ context.Context, callID string, interactions []callmetrics.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[callID] = append([]callmetrics.Interaction(nil), interactions...)
	return nil
}

func (s *InMemoryStore) ListInteractions(_ context.Context, callID string) ([]callmetrics.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.interactions[callID]
	if len(arr) == 0 {
		return nil, nil
	}
	return append([]callmetrics.Interaction(nil), arr...), nil
}

func (s *InMemoryStore) Close() error { return nil }
