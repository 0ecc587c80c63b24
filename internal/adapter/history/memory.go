package history

import (
	"slices"
	"sync"

	"chatrelay/internal/domain"
)

// MemoryStore is an in-process domain.HistoryStore.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]domain.Turn
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]domain.Turn)}
}

// Load implements domain.HistoryStore.
func (m *MemoryStore) Load(conversationID string) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.turns[conversationID])
	if out == nil {
		out = []domain.Turn{}
	}
	return out, nil
}

// Append implements domain.HistoryStore.
func (m *MemoryStore) Append(conversationID string, turn domain.Turn) error {
	if !domain.ValidRole(turn.Role) {
		return domain.NewDomainError("MemoryStore.Append", domain.ErrInvalidRole, turn.Role)
	}
	m.mu.Lock()
	m.turns[conversationID] = append(m.turns[conversationID], turn)
	m.mu.Unlock()
	return nil
}

// Clear implements domain.HistoryStore.
func (m *MemoryStore) Clear(conversationID string) error {
	m.mu.Lock()
	delete(m.turns, conversationID)
	m.mu.Unlock()
	return nil
}
