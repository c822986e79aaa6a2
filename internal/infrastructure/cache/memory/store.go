// Package memory is the in-process retrieval cache store.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/kirillkom/grounded-qa/internal/core/domain"
)

const DefaultCapacity = 1000

// Store evicts the oldest inserted entry once capacity is reached.
type Store struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type item struct {
	key   string
	entry domain.CacheEntry
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (s *Store) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	return el.Value.(*item).entry, true, nil
}

func (s *Store) Set(_ context.Context, key string, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		el.Value.(*item).entry = entry
		return nil
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Front()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*item).key)
	}
	s.entries[key] = s.order.PushBack(&item{key: key, entry: entry})
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.entries = make(map[string]*list.Element, s.capacity)
	return nil
}

func (s *Store) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), nil
}
