package call

import (
	"context"
	"sync"
)

// Store は終了前の通話試行を保持します
// 単一インスタンスでは MemoryStore、複数インスタンスでは repo.RedisCallStore を使います
type Store interface {
	Get(ctx context.Context, key Key) (Attempt, bool, error)
	Put(ctx context.Context, a Attempt) error
	Delete(ctx context.Context, key Key) error
	Involving(ctx context.Context, connID string) ([]Attempt, error)
}

// MemoryStore はプロセス内のマップに通話試行を保持します
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[Key]Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[Key]Attempt)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key]
	return a, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.Key] = a
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, key)
	return nil
}

func (s *MemoryStore) Involving(_ context.Context, connID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attempt
	for k, a := range s.attempts {
		if k.involves(connID) {
			out = append(out, a)
		}
	}
	return out, nil
}
