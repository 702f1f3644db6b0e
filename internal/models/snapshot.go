package models

import (
	"fmt"
	"time"
)

// Snapshot is the aggregate view of one completed sampling cycle. It is
// built once and never mutated; a new cycle replaces it wholesale.
type Snapshot struct {
	Split        ClassificationSplit `json:"split"`
	Transactions Batch               `json:"transactions"`
	Flagged      Batch               `json:"flagged"`
	Matrix       ConfusionMatrix     `json:"confusion_matrix"`
	FetchedAt    time.Time           `json:"fetched_at"`
}

// ZeroSnapshot is shown next to an error so no stale counts survive a failed
// cycle.
func ZeroSnapshot(at time.Time) Snapshot {
	return Snapshot{
		Transactions: Batch{},
		Flagged:      Batch{},
		FetchedAt:    at,
	}
}

// State tags the current view.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateUninitialized, StateLoading, StateReady, StateErrored} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown view state %q", text)
}

// View is what displays consume: the state tag plus the snapshot that goes
// with it. Message is set only when State is StateErrored. Cycle is the
// sequence number of the sampling cycle that produced the view, zero before
// the first cycle completes.
type View struct {
	State     State     `json:"state"`
	Snapshot  Snapshot  `json:"snapshot"`
	Message   string    `json:"message,omitempty"`
	Cycle     uint64    `json:"cycle"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoadingView is published before the first cycle completes.
func LoadingView(at time.Time) View {
	return View{State: StateLoading, Snapshot: ZeroSnapshot(at), UpdatedAt: at}
}

// ReadyView wraps a successful cycle's snapshot.
func ReadyView(cycle uint64, snap Snapshot) View {
	return View{State: StateReady, Snapshot: snap, Cycle: cycle, UpdatedAt: snap.FetchedAt}
}

// ErroredView carries a user-facing message and a zeroed snapshot.
func ErroredView(cycle uint64, message string, at time.Time) View {
	return View{State: StateErrored, Snapshot: ZeroSnapshot(at), Message: message, Cycle: cycle, UpdatedAt: at}
}
