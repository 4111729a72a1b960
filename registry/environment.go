package registry

import (
	"sync"

	"github.com/wippyai/bundle-runtime/bridge"
	"github.com/wippyai/bundle-runtime/errors"
	"github.com/wippyai/bundle-runtime/queue"
)

// State is the lifecycle position of an Environment. States only move
// forward; StateFailed and StateDisposed are terminal.
type State int

const (
	StateUninitialized State = iota
	StatePreloading
	StatePreloaded
	StateLoading
	StateReady
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePreloading:
		return "preloading"
	case StatePreloaded:
		return "preloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Environment is an isolated script context: one bridge, one queue.
type Environment struct {
	id    string
	queue *queue.Queue

	// bridge is only touched from tasks on queue
	bridge bridge.Bridge

	mu        sync.Mutex
	state     State
	bundleURL string
}

func newEnvironment(id string, q *queue.Queue) *Environment {
	return &Environment{id: id, queue: q, state: StateUninitialized}
}

// ID returns the environment id.
func (e *Environment) ID() string { return e.id }

// Queue returns the environment's dispatch queue.
func (e *Environment) Queue() *queue.Queue { return e.queue }

// State returns the current lifecycle state.
func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Valid reports whether the startup script finished evaluating.
func (e *Environment) Valid() bool {
	return e.State() == StateReady
}

// BundleURL returns the registry key of the initial bundle, or "" before
// RunInPreloadedEnvironment resolved it.
func (e *Environment) BundleURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bundleURL
}

func (e *Environment) setBundleURL(url string) {
	e.mu.Lock()
	e.bundleURL = url
	e.mu.Unlock()
}

// advance moves from one of the states in from to to.
func (e *Environment) advance(to State, from ...State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range from {
		if e.state == s {
			e.state = to
			return true
		}
	}
	return false
}

// beginRun claims the environment for its single startup run.
func (e *Environment) beginRun() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StatePreloaded:
		e.state = StateLoading
		return nil
	case StateLoading, StateReady:
		return errors.AlreadyRunning(e.id)
	default:
		return errors.InvalidState(errors.PhaseRegistry, e.id, e.state.String())
	}
}

// fail marks a startup failure unless the environment was disposed meanwhile.
func (e *Environment) fail() {
	e.advance(StateFailed, StateUninitialized, StatePreloading, StatePreloaded, StateLoading)
}

// markDisposed reports whether this call performed the transition.
func (e *Environment) markDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDisposed {
		return false
	}
	e.state = StateDisposed
	return true
}
