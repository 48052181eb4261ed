// Package event provides typed callback signals with detachable
// subscriptions.
package event

import "sync"

// Signal fans a value out to every attached handler in attach order.
// The zero value is ready to use.
type Signal[T any] struct {
	mu       sync.Mutex
	handlers []*handler[T]
}

type handler[T any] struct {
	fn func(T)
}

// On attaches fn and returns the subscription that detaches it.
func (s *Signal[T]) On(fn func(T)) *Subscription {
	h := &handler[T]{fn: fn}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
	return &Subscription{off: func() { s.remove(h) }}
}

// Emit calls every handler attached at the time of the call. Handlers run on
// the caller's goroutine, outside the signal's lock.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]*handler[T], len(s.handlers))
	copy(snapshot, s.handlers)
	s.mu.Unlock()

	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len reports the number of attached handlers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Reset detaches every handler.
func (s *Signal[T]) Reset() {
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

func (s *Signal[T]) remove(h *handler[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.handlers {
		if cur == h {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Subscription detaches one handler. Off is idempotent and safe on nil.
type Subscription struct {
	once sync.Once
	off  func()
}

func (s *Subscription) Off() {
	if s == nil || s.off == nil {
		return
	}
	s.once.Do(s.off)
}

// Group owns a set of subscriptions that are released together.
// Subscriptions added after Release are detached immediately.
type Group struct {
	mu       sync.Mutex
	subs     []*Subscription
	released bool
}

func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		for _, s := range subs {
			s.Off()
		}
		return
	}
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Release detaches every subscription in the group.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.released = true
	g.mu.Unlock()

	for _, s := range subs {
		s.Off()
	}
}

// Released reports whether Release has been called.
func (g *Group) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}
