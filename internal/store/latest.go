package store

import (
	"sync"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// Latest hands views from the writer goroutine to a slower consumer. Notify
// never blocks; views the consumer has not taken yet are overwritten.
type Latest struct {
	mu   sync.Mutex
	view *models.View
	wake chan struct{}
}

// NewLatest returns an empty mailbox.
func NewLatest() *Latest {
	return &Latest{wake: make(chan struct{}, 1)}
}

// Notify stores view as the newest pending value. It has the Listener signature.
func (l *Latest) Notify(view models.View) {
	l.mu.Lock()
	l.view = &view
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever a view is pending.
func (l *Latest) Ready() <-chan struct{} {
	return l.wake
}

// Take removes and returns the pending view.
func (l *Latest) Take() (models.View, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.view == nil {
		return models.View{}, false
	}
	view := *l.view
	l.view = nil
	return view, true
}
