package machine

import "sync"

// Relay is the physical switch powering the machine.
type Relay interface {
	// Set drives the relay pin.
	Set(on bool) error
	// Read returns the actual pin state for write verification.
	Read() (bool, error)
}

// SimRelay is an in-memory relay for the simulator and tests.
type SimRelay struct {
	mu sync.Mutex
	on bool
}

// NewSimRelay creates a relay in the off state.
func NewSimRelay() *SimRelay { return &SimRelay{} }

// Set implements Relay.
func (r *SimRelay) Set(on bool) error {
	r.mu.Lock()
	r.on = on
	r.mu.Unlock()

	return nil
}

// Read implements Relay.
func (r *SimRelay) Read() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.on, nil
}
