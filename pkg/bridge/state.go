package bridge

import (
	"sync"
	"time"
)

// State is the lifecycle phase of a bridged call.
type State int

const (
	// StateConnecting covers the window between accepting the Twilio socket
	// and the agent session being ready.
	StateConnecting State = iota
	// StateActive means audio is flowing both ways.
	StateActive
	// StateClosing means teardown started and persistence is draining.
	StateClosing
	// StateClosed is terminal for a call that wound down cleanly.
	StateClosed
	// StateFailed is terminal for a call torn down by an error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// StateChange describes one transition.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes lifecycle transitions.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to the StateListener interface.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError reports a transition outside the lifecycle graph.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// lifecycle is the finite state machine guarding call teardown. Failed is
// reachable from any non-terminal state; in practice post-Active failures
// wind down through Closing so transcripts get persisted.
type lifecycle struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func newLifecycle() *lifecycle {
	return &lifecycle{current: StateConnecting}
}

func (l *lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateConnecting: {StateActive, StateFailed},
		StateActive:     {StateClosing, StateFailed},
		StateClosing:    {StateClosed, StateFailed},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (l *lifecycle) Transition(to State, reason string) error {
	l.mu.Lock()
	if !transitionValid(l.current, to) {
		from := l.current
		l.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	event := StateChange{
		From:      l.current,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	l.current = to
	listeners := make([]StateListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

func (l *lifecycle) AddListener(listener StateListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}
