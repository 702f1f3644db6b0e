// Package store holds the single current view shown to displays.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// Listener is notified with every view written to the store.
type Listener func(models.View)

// Store is the authoritative holder of the current view. It has one writer
// (the sampler) and any number of readers. Writes replace the view pointer
// atomically, so readers never observe a half-built view.
type Store struct {
	current atomic.Pointer[models.View]

	// writeMu orders Set calls with their listener fan-out.
	writeMu   sync.Mutex
	listenMu  sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// New returns a store in the uninitialized state.
func New() *Store {
	s := &Store{listeners: make(map[uint64]Listener)}
	s.current.Store(&models.View{State: models.StateUninitialized, Snapshot: models.ZeroSnapshot(time.Time{})})
	return s
}

// Current returns the live view. The returned value shares its slices with
// the store and must be treated as read-only.
func (s *Store) Current() models.View {
	return *s.current.Load()
}

// Set replaces the live view and notifies listeners in write order.
func (s *Store) Set(view models.View) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	v := view
	s.current.Store(&v)

	s.listenMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenMu.RUnlock()

	for _, l := range listeners {
		l(v)
	}
}

// Reset returns the store to the uninitialized state.
func (s *Store) Reset() {
	s.Set(models.View{State: models.StateUninitialized, Snapshot: models.ZeroSnapshot(time.Time{})})
}

// SubscribeCurrent registers fn and calls it once with the live view before
// any later write reaches it. Registration and the initial call happen under
// the write lock, so fn sees views in write order with none skipped.
func (s *Store) SubscribeCurrent(fn Listener) (unsubscribe func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	unsubscribe = s.Subscribe(fn)
	fn(*s.current.Load())
	return unsubscribe
}

// Subscribe registers fn for future writes and returns a function that
// removes it. Listeners run on the writer goroutine and must not block.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenMu.Lock()
			delete(s.listeners, id)
			s.listenMu.Unlock()
		})
	}
}
