package machine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/logging"
	"github.com/offenewerkstatt/maco/internal/session"
)

const (
	// deniedMessage is shown when the user lacks a required permission.
	deniedMessage = "Keine Berechtigung"
	// deniedCooldown is how long a denial stays on screen.
	deniedCooldown = 5 * time.Second
	// sessionTimeout forcibly checks out a session left active.
	sessionTimeout = 8 * time.Hour
)

// Machine states.

// Idle means no one is checked in.
type Idle struct{}

// Active means a session is checked in and the relay is driven high.
type Active struct {
	Session *session.TokenSession
	Start   time.Time
}

// Denied shows a permission denial for a cooldown window.
type Denied struct {
	Message string
	Since   time.Time
}

// Usage is the machine's check-in/check-out state machine. All methods must
// be called from the owning control-loop goroutine; observers use Snapshot.
type Usage struct {
	machine   *fsm.Machine
	machineID string
	required  []string
	relay     Relay
	history   *History
	client    *cloud.Client
	now       func() time.Time

	upload        *cloud.Response[cloud.UploadMachineUsageResponse]
	uploadedCount int
}

// NewUsage creates the state machine for one machine. required lists the
// permissions a session must all hold to check in.
func NewUsage(
	machineID string,
	required []string,
	relay Relay,
	history *History,
	client *cloud.Client,
) *Usage {
	return newUsageWithClock(machineID, required, relay, history, client, time.Now)
}

func newUsageWithClock(
	machineID string,
	required []string,
	relay Relay,
	history *History,
	client *cloud.Client,
	now func() time.Time,
) *Usage {
	u := &Usage{
		machine:   fsm.New(Idle{}),
		machineID: machineID,
		required:  required,
		relay:     relay,
		history:   history,
		client:    client,
		now:       now,
	}

	fsm.On(u.machine, func(Idle) fsm.State { return nil })
	fsm.On(u.machine, u.handleActive)
	fsm.On(u.machine, u.handleDenied)

	return u
}

// Snapshot returns the current machine state. Safe from any goroutine.
func (u *Usage) Snapshot() fsm.Handle { return u.machine.Snapshot() }

// Tick advances time-driven behavior: the active-session timeout, the denial
// cooldown, and collection of a finished history upload.
func (u *Usage) Tick() fsm.Handle {
	u.collectUpload()

	return u.machine.Tick()
}

// CheckIn activates the machine for a session. Not being Idle is a caller
// bug; a missing permission is a normal outcome ending in Denied.
func (u *Usage) CheckIn(s *session.TokenSession) error {
	if !fsm.Is[Idle](u.machine.Snapshot()) {
		return errorcodes.ErrWrongState
	}

	for _, perm := range u.required {
		if !s.HasPermission(perm) {
			log.Info().Str("session", s.ID).Str("missing", perm).Msg("check-in denied")
			logging.LogStateTransition("machine", "Idle", "Denied")
			u.machine.TransitionTo(Denied{Message: deniedMessage, Since: u.now()})

			return nil
		}
	}

	u.driveRelay(true)

	now := u.now()
	u.history.Append(UsageRecord{SessionID: s.ID, CheckIn: now})
	// Persist before returning so a crash after relay-on cannot lose the
	// check-in. A write failure is logged; service continues.
	if err := u.history.Persist(); err != nil {
		log.Error().Err(err).Msg("usage history write failed")
	}

	logging.LogStateTransition("machine", "Idle", "Active")
	u.machine.TransitionTo(Active{Session: s, Start: now})

	return nil
}

// CheckOut ends the active session with the given reason and starts a
// best-effort history upload.
func (u *Usage) CheckOut(reason Reason) error {
	active, ok := fsm.Get[Active](u.machine.Snapshot())
	if !ok {
		return errorcodes.ErrWrongState
	}

	if err := u.performCheckOut(active, reason); err != nil {
		return err
	}

	logging.LogStateTransition("machine", "Active", "Idle")
	u.machine.TransitionTo(Idle{})

	return nil
}

// performCheckOut closes the history record, releases the relay, and
// dispatches the upload. Shared between CheckOut and the timeout path.
func (u *Usage) performCheckOut(active Active, reason Reason) error {
	if err := u.history.CloseLast(active.Session.ID, u.now(), reason); err != nil {
		log.Error().Str("session", active.Session.ID).
			Msg("usage history out of sync with machine state")

		return err
	}

	if err := u.history.Persist(); err != nil {
		log.Error().Err(err).Msg("usage history write failed")
	}

	u.driveRelay(false)
	u.dispatchUpload()

	return nil
}

func (u *Usage) handleActive(s Active) fsm.State {
	if u.now().Sub(s.Start) < sessionTimeout {
		return nil
	}

	log.Warn().Str("session", s.Session.ID).Msg("session timed out, forcing checkout")
	if err := u.performCheckOut(s, ReasonTimeout); err != nil {
		// History desync: release the relay anyway and go idle.
		u.driveRelay(false)
	}
	logging.LogStateTransition("machine", "Active", "Idle")

	return Idle{}
}

func (u *Usage) handleDenied(s Denied) fsm.State {
	if u.now().Sub(s.Since) >= deniedCooldown {
		logging.LogStateTransition("machine", "Denied", "Idle")

		return Idle{}
	}

	return nil
}

// driveRelay writes the pin and verifies the write by reading it back. A
// mismatch is logged as an error, not escalated.
func (u *Usage) driveRelay(on bool) {
	if err := u.relay.Set(on); err != nil {
		log.Error().Err(err).Bool("on", on).Msg("relay write failed")

		return
	}

	actual, err := u.relay.Read()
	if err != nil {
		log.Error().Err(err).Msg("relay read-back failed")

		return
	}
	if actual != on {
		log.Error().Bool("want", on).Bool("got", actual).Msg("relay state mismatch")
	}
}

// dispatchUpload starts an asynchronous upload of the full history. Only
// one upload is in flight at a time.
func (u *Usage) dispatchUpload() {
	if u.client == nil || u.upload != nil || u.history.Len() == 0 {
		return
	}

	records := u.history.Records()
	wire := make([]cloud.UsageRecordData, 0, len(records))
	for _, r := range records {
		data := cloud.UsageRecordData{
			SessionID: r.SessionID,
			CheckIn:   r.CheckIn.Unix(),
		}
		if r.CheckOut != nil {
			data.CheckOut = r.CheckOut.Unix()
		}
		if r.Reason != nil {
			data.Reason = r.Reason.String()
		}
		wire = append(wire, data)
	}

	u.uploadedCount = len(records)
	u.upload = u.client.UploadMachineUsage(context.Background(), cloud.UploadMachineUsageRequest{
		MachineID: u.machineID,
		Records:   wire,
	})
}

// collectUpload clears uploaded records only after the cloud confirmed the
// upload; a failed upload keeps them for the next attempt.
func (u *Usage) collectUpload() {
	if u.upload == nil || !u.upload.Ready() {
		return
	}

	_, err := u.upload.Result()
	u.upload = nil

	if err != nil {
		log.Warn().Err(err).Msg("usage upload failed, keeping history")

		return
	}

	u.history.Drop(u.uploadedCount)
	u.uploadedCount = 0
	if err := u.history.Persist(); err != nil {
		log.Error().Err(err).Msg("usage history write failed")
	}
	log.Debug().Msg("usage history uploaded")
}
