package session

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/logging"
	"github.com/offenewerkstatt/maco/internal/nfc"
)

const (
	// rejectedCooldown is how long a rejection message stays on screen
	// before the coordinator returns to idle.
	rejectedCooldown = 5 * time.Second
	// rejectionFallback is shown for any failure without a cloud-provided
	// message.
	rejectionFallback = "Authentication failed"
)

// Coordinator states.

// Idle means no authenticated tag is present.
type Idle struct{}

// WaitingForTag means an authenticated tag arrived and the coordinator is
// about to look up or start a session for it.
type WaitingForTag struct {
	UID [7]byte
}

// AuthenticatingTag means a StartSessionAction is in flight for the tag.
type AuthenticatingTag struct {
	UID    [7]byte
	Action *StartSessionAction
}

// SessionActive means the user holds a valid session at the terminal.
type SessionActive struct {
	UID     [7]byte
	Session *TokenSession
}

// Rejected shows a rejection message for a cooldown window.
type Rejected struct {
	Message string
	Since   time.Time
}

// Coordinator drives the session lifecycle from tag presence: it diffs
// consecutive NFC snapshots for arrival/removal and owns its own FSM.
// Tick must be called from a single control-loop goroutine.
type Coordinator struct {
	machine  *fsm.Machine
	worker   *nfc.Worker
	registry *Registry
	client   *cloud.Client
	now      func() time.Time

	prevNFC fsm.Handle
}

// NewCoordinator creates a coordinator over the given NFC worker.
func NewCoordinator(worker *nfc.Worker, registry *Registry, client *cloud.Client) *Coordinator {
	return newCoordinatorWithClock(worker, registry, client, time.Now)
}

func newCoordinatorWithClock(
	worker *nfc.Worker,
	registry *Registry,
	client *cloud.Client,
	now func() time.Time,
) *Coordinator {
	c := &Coordinator{
		machine:  fsm.New(Idle{}),
		worker:   worker,
		registry: registry,
		client:   client,
		now:      now,
	}

	fsm.On(c.machine, func(Idle) fsm.State { return nil })
	fsm.On(c.machine, c.handleWaitingForTag)
	fsm.On(c.machine, c.handleAuthenticatingTag)
	fsm.On(c.machine, func(SessionActive) fsm.State { return nil })
	fsm.On(c.machine, c.handleRejected)

	return c
}

// Snapshot returns the current coordinator state. Safe from any goroutine.
func (c *Coordinator) Snapshot() fsm.Handle { return c.machine.Snapshot() }

// Tick processes tag arrival/removal and advances the FSM one step.
func (c *Coordinator) Tick() fsm.Handle {
	nfcNow := c.worker.Snapshot()

	if fsm.Exited[nfc.TerminalAuthenticated](nfcNow, c.prevNFC) {
		// Removal aborts whatever is going on; the worker has already
		// aborted any in-flight action.
		if !fsm.Is[Idle](c.machine.Snapshot()) {
			c.transition(Idle{})
		}
	} else if fsm.Entered[nfc.TerminalAuthenticated](nfcNow, c.prevNFC) {
		if s, ok := fsm.Get[nfc.TerminalAuthenticated](nfcNow); ok &&
			fsm.Is[Idle](c.machine.Snapshot()) {
			c.transition(WaitingForTag{UID: s.UID})
		}
	}

	c.prevNFC = nfcNow

	return c.machine.Tick()
}

func (c *Coordinator) handleWaitingForTag(s WaitingForTag) fsm.State {
	if cached, ok := c.registry.Lookup(s.UID); ok {
		c.logTransition("WaitingForTag", "SessionActive")

		return SessionActive{UID: s.UID, Session: cached}
	}

	action := NewStartSessionAction(s.UID, c.client, c.registry)
	c.worker.Enqueue(action)
	c.logTransition("WaitingForTag", "AuthenticatingTag")

	return AuthenticatingTag{UID: s.UID, Action: action}
}

func (c *Coordinator) handleAuthenticatingTag(s AuthenticatingTag) fsm.State {
	result := s.Action.Result()
	switch result.Outcome {
	case OutcomePending:
		return nil
	case OutcomeSucceeded:
		c.logTransition("AuthenticatingTag", "SessionActive")

		return SessionActive{UID: s.UID, Session: result.Session}
	case OutcomeRejected:
		c.logTransition("AuthenticatingTag", "Rejected")

		return Rejected{Message: result.Message, Since: c.now()}
	default:
		log.Warn().Err(result.Err).Msg("authentication failed")
		c.logTransition("AuthenticatingTag", "Rejected")

		return Rejected{Message: rejectionFallback, Since: c.now()}
	}
}

func (c *Coordinator) handleRejected(s Rejected) fsm.State {
	if c.now().Sub(s.Since) >= rejectedCooldown {
		c.logTransition("Rejected", "Idle")

		return Idle{}
	}

	return nil
}

func (c *Coordinator) transition(s fsm.State) {
	c.machine.TransitionTo(s)
}

func (c *Coordinator) logTransition(from, to string) {
	logging.LogStateTransition("coordinator", from, to)
}
