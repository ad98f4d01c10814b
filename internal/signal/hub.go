package signal

import (
	"errors"
	"sync"
)

var (
	ErrSubscribed   = errors.New("signal: key already has a subscriber")
	ErrNotDelivered = errors.New("signal: message not delivered")
)

// Hub routes messages by key to at most one subscription per key.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[string]*Subscription[T]
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]*Subscription[T])}
}

// Subscription receives messages for one key until Close.
type Subscription[T any] struct {
	hub  *Hub[T]
	key  string
	ch   chan T
	once sync.Once

	mu      sync.Mutex
	onClose []func()
}

// Subscribe registers the listener for key. buffer bounds how many messages
// may queue before Publish starts dropping.
func (h *Hub[T]) Subscribe(key string, buffer int) (*Subscription[T], error) {
	if buffer <= 0 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[key]; ok {
		return nil, ErrSubscribed
	}
	sub := &Subscription[T]{
		hub: h,
		key: key,
		ch:  make(chan T, buffer),
	}
	h.subs[key] = sub
	return sub, nil
}

// Publish hands msg to the key's subscriber without blocking. It reports
// false when nobody listens or the buffer is full.
func (h *Hub[T]) Publish(key string, msg T) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subs[key]
	if !ok {
		return false
	}
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Key() string {
	return s.key
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.mu.Lock()
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}

		s.hub.mu.Lock()
		if s.hub.subs[s.key] == s {
			delete(s.hub.subs, s.key)
		}
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (s *Subscription[T]) addCloseHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}
