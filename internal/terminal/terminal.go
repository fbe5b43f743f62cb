// Package terminal composes the control loop of one access terminal: the
// NFC worker, the session coordinator, and the machine usage state machine,
// ticked together and bridged by session arrival/departure.
package terminal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/machine"
	"github.com/offenewerkstatt/maco/internal/nfc"
	"github.com/offenewerkstatt/maco/internal/session"
)

// Terminal ticks the three state machines and checks sessions in and out of
// the machine as they become active and inactive.
type Terminal struct {
	worker *nfc.Worker
	coord  *session.Coordinator
	usage  *machine.Usage

	prevCoord fsm.Handle
}

// New wires a terminal from its parts.
func New(worker *nfc.Worker, coord *session.Coordinator, usage *machine.Usage) *Terminal {
	return &Terminal{worker: worker, coord: coord, usage: usage}
}

// Tick advances the whole terminal by one control-loop step.
func (t *Terminal) Tick() {
	t.worker.Tick()
	t.coord.Tick()

	now := t.coord.Snapshot()

	if fsm.Entered[session.SessionActive](now, t.prevCoord) {
		if active, ok := fsm.Get[session.SessionActive](now); ok {
			if err := t.usage.CheckIn(active.Session); err != nil {
				log.Warn().Err(err).Str("session", active.Session.ID).Msg("check-in refused")
			}
		}
	}

	if fsm.Exited[session.SessionActive](now, t.prevCoord) {
		if fsm.Is[machine.Active](t.usage.Snapshot()) {
			if err := t.usage.CheckOut(machine.ReasonSelfCheckout); err != nil {
				log.Warn().Err(err).Msg("checkout refused")
			}
		}
	}

	t.prevCoord = now
	t.usage.Tick()
}

// Run ticks the terminal until the context is cancelled.
func (t *Terminal) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}
