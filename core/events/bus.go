// Package events provides a typed observer list.
//
// Components publish values to a Bus and any number of observers subscribe
// without the publisher knowing who they are. Handlers run synchronously in
// the publisher's goroutine, after the publisher has released its own locks,
// so a handler must not block.
package events

import "sync"

// Handler receives published values.
type Handler[T any] func(T)

type subscription[T any] struct {
	id uint64
	fn Handler[T]
}

// Bus is an observer list for values of type T. The zero value is ready to use.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is harmless.
func (b *Bus[T]) Subscribe(fn Handler[T]) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every subscribed handler with v, in subscription order.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribed handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
