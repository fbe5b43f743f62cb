// Package fsm provides a small typed state-machine framework: a machine
// holds exactly one of N named states, dispatches a per-tick handler keyed
// by the active state's type, and hands out immutable snapshots that let
// observers detect entered/exited transitions without racing the mutator.
package fsm

import (
	"reflect"
	"sync"
)

// State is any concrete state value. States are plain structs; payloads that
// must be shared across snapshots hold pointers to immutable data.
type State any

// Handler processes the active state and returns the next state, or nil to
// stay.
type Handler func(State) State

// Machine holds one active state and the registered per-type handlers.
//
// Ticking is single-owner: only one goroutine may call Tick and
// TransitionTo. Snapshot is safe from any goroutine.
type Machine struct {
	mu       sync.Mutex
	current  State
	handlers map[reflect.Type]Handler
}

// New creates a machine with the given initial state.
func New(initial State) *Machine {
	return &Machine{
		current:  initial,
		handlers: make(map[reflect.Type]Handler),
	}
}

// On registers the handler for state type T, replacing any previous one.
// The handler receives the current payload and may return a new state to
// transition to, or nil to stay.
func On[T State](m *Machine, fn func(T) State) {
	var zero T

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[reflect.TypeOf(zero)] = func(s State) State {
		return fn(s.(T))
	}
}

// Tick invokes the handler matching the active state's type and applies the
// returned transition. It returns a handle capturing the state as observed
// at the start of this tick (pre-transition), so callers can detect
// entered/exited by diffing handles from consecutive ticks.
//
// A state without a registered handler makes Tick a no-op; the machine then
// stays in that state indefinitely. That is a programming error to be
// caught by tests, not a runtime fault.
func (m *Machine) Tick() Handle {
	m.mu.Lock()
	cur := m.current
	handler := m.handlers[reflect.TypeOf(cur)]
	m.mu.Unlock()

	pre := Handle{state: cur, valid: true}

	if handler == nil {
		return pre
	}

	if next := handler(cur); next != nil {
		m.mu.Lock()
		m.current = next
		m.mu.Unlock()
	}

	return pre
}

// TransitionTo replaces the active state outside a handler. Reserved for
// the machine's owning goroutine (input-driven decision points).
func (m *Machine) TransitionTo(s State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// Snapshot returns an immutable handle of the current state. Safe to call
// from a different goroutine than the one ticking the machine; the handle
// stays valid even if the machine transitions afterwards.
func (m *Machine) Snapshot() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Handle{state: m.current, valid: true}
}

// Handle is an immutable snapshot of a machine's state at one instant.
type Handle struct {
	state State
	valid bool
}

// State returns the snapshotted state value.
func (h Handle) State() State { return h.state }

// Valid reports whether the handle was produced by a machine (the zero
// Handle matches nothing).
func (h Handle) Valid() bool { return h.valid }

// Is reports whether the snapshot holds a state of type T.
func Is[T State](h Handle) bool {
	if !h.valid {
		return false
	}
	_, ok := h.state.(T)

	return ok
}

// Get returns the snapshotted payload if it has type T.
func Get[T State](h Handle) (T, bool) {
	var zero T
	if !h.valid {
		return zero, false
	}
	t, ok := h.state.(T)

	return t, ok
}

// Entered reports whether the machine moved into state type T between prev
// and now.
func Entered[T State](now, prev Handle) bool {
	return Is[T](now) && !Is[T](prev)
}

// Exited reports whether the machine moved out of state type T between prev
// and now.
func Exited[T State](now, prev Handle) bool {
	return !Is[T](now) && Is[T](prev)
}
