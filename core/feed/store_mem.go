package feed

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store backed by an LRU list keyed by post ID.
// Recency is insertion order only: lookups never promote an entry, so the
// list's oldest element is always the oldest arrival.
type MemoryStore struct {
	mu       sync.RWMutex
	posts    *simplelru.LRU[string, Post]
	capacity int
}

// NewMemoryStore creates a store holding at most capacity posts.
// If capacity is 0, DefaultCapacity is used.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// NewLRU only fails for a non-positive size.
	posts, _ := simplelru.NewLRU[string, Post](capacity, nil)
	return &MemoryStore{
		posts:    posts,
		capacity: capacity,
	}
}

// Capacity returns the maximum number of posts the store retains.
func (s *MemoryStore) Capacity() int {
	return s.capacity
}

// Insert adds p unless a post with the same ID is already stored.
func (s *MemoryStore) Insert(p Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Contains leaves recency alone, so a duplicate never delays eviction.
	if s.posts.Contains(p.ID) {
		return false
	}
	s.posts.Add(p.ID, p)
	return true
}

// Snapshot returns the stored posts, newest first.
func (s *MemoryStore) Snapshot() []Post {
	s.mu.RLock()
	values := s.posts.Values() // oldest to newest
	s.mu.RUnlock()

	out := make([]Post, len(values))
	for i, p := range values {
		out[len(values)-1-i] = p
	}
	return out
}

// Contains reports whether a post with the given ID is stored.
func (s *MemoryStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.posts.Contains(id)
}

// Len returns the number of stored posts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.posts.Len()
}

// Reset replaces the feed with posts, given newest first.
func (s *MemoryStore) Reset(posts []Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.posts.Purge()
	// Walk oldest to newest so the newest post ends up at the head, and
	// keep the newest copy of any repeated ID.
	for i := len(posts) - 1; i >= 0; i-- {
		p := posts[i]
		if s.posts.Contains(p.ID) {
			s.posts.Remove(p.ID)
		}
		s.posts.Add(p.ID, p)
	}
}
