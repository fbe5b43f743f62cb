package nfc

import (
	"bytes"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/pkg/ntag424"
)

// Presence states of the worker's field machine.

// WaitForTag means the field is empty or the present tag has not yet passed
// terminal-key authentication.
type WaitForTag struct{}

// TerminalAuthenticated means a provisioned tag is in the field and proved
// knowledge of its diversified terminal key.
type TerminalAuthenticated struct {
	UID [7]byte
	Tag Tag
}

// TagError means the present tag failed terminal authentication with a hard
// error; the worker waits for removal before accepting another tag.
type TagError struct {
	UID [7]byte
	Err error
}

// TerminalKeyFunc derives the terminal authentication key for a tag UID.
type TerminalKeyFunc func(uid [7]byte) ([]byte, error)

// Worker owns the reader. It polls for tag presence, runs the terminal-key
// handshake on arrival, and ticks queued actions against the present tag.
// All tag I/O happens on the worker's tick; consumers only see snapshots.
type Worker struct {
	reader      Reader
	terminalKey TerminalKeyFunc
	machine     *fsm.Machine

	mu      sync.Mutex
	queue   []Action
	current Action
}

// NewWorker creates a worker for the given reader.
func NewWorker(reader Reader, terminalKey TerminalKeyFunc) *Worker {
	w := &Worker{
		reader:      reader,
		terminalKey: terminalKey,
		machine:     fsm.New(WaitForTag{}),
	}

	fsm.On(w.machine, w.handleWaitForTag)
	fsm.On(w.machine, w.handleAuthenticated)
	fsm.On(w.machine, w.handleTagError)

	return w
}

// Snapshot returns the current presence state. Safe from any goroutine.
func (w *Worker) Snapshot() fsm.Handle { return w.machine.Snapshot() }

// Enqueue schedules an action to be ticked while a tag is present. Aborted
// if the tag leaves before the action completes.
func (w *Worker) Enqueue(a Action) {
	w.mu.Lock()
	w.queue = append(w.queue, a)
	w.mu.Unlock()
}

// Tick advances the presence machine by one step. Must be called from a
// single goroutine.
func (w *Worker) Tick() fsm.Handle { return w.machine.Tick() }

func (w *Worker) handleWaitForTag(WaitForTag) fsm.State {
	tag, err := w.reader.Detect()
	if err != nil {
		log.Warn().Err(err).Msg("reader detect failed")

		return nil
	}
	if tag == nil {
		return nil
	}

	uid := tag.UID()
	key, err := w.terminalKey(uid)
	if err != nil {
		log.Error().Err(err).Str("uid", hex.EncodeToString(uid[:])).
			Msg("terminal key derivation failed")

		return TagError{UID: uid, Err: err}
	}

	// Terminal-key handshake proves the tag belongs to this installation
	// before anything is sent to the cloud.
	challenge, err := tag.AuthenticateBegin(KeySlotTerminal)
	if err != nil {
		if IsRetryable(err) {
			return nil
		}
		log.Warn().Err(err).Str("uid", hex.EncodeToString(uid[:])).
			Msg("terminal authentication rejected")

		return TagError{UID: uid, Err: err}
	}

	step1, err := ntag424.AuthorizeStep1(key, challenge)
	if err != nil {
		return TagError{UID: uid, Err: err}
	}

	response, err := tag.AuthenticatePart2(step1.Encrypted)
	if err != nil {
		if IsRetryable(err) {
			return nil
		}

		return TagError{UID: uid, Err: err}
	}

	if _, err := ntag424.AuthorizeStep2(key, response, step1.RndA); err != nil {
		log.Warn().Err(err).Str("uid", hex.EncodeToString(uid[:])).
			Msg("terminal authentication failed")

		return TagError{UID: uid, Err: err}
	}

	log.Info().Str("uid", hex.EncodeToString(uid[:])).Msg("tag authenticated with terminal key")

	return TerminalAuthenticated{UID: uid, Tag: tag}
}

func (w *Worker) handleAuthenticated(s TerminalAuthenticated) fsm.State {
	tag, err := w.reader.Detect()
	if err != nil || tag == nil || !sameUID(tag, s.UID) {
		log.Info().Str("uid", hex.EncodeToString(s.UID[:])).Msg("tag removed")
		w.abortAll()

		return WaitForTag{}
	}

	w.tickAction(s.Tag)

	return nil
}

func (w *Worker) handleTagError(s TagError) fsm.State {
	tag, err := w.reader.Detect()
	if err != nil || tag == nil || !sameUID(tag, s.UID) {
		return WaitForTag{}
	}

	return nil
}

// tickAction advances the current action by one step, pulling the next one
// from the queue when idle.
func (w *Worker) tickAction(tag Tag) {
	w.mu.Lock()
	if w.current == nil && len(w.queue) > 0 {
		w.current = w.queue[0]
		w.queue = w.queue[1:]
	}
	action := w.current
	w.mu.Unlock()

	if action == nil {
		return
	}

	action.Tick(tag)

	if action.Done() {
		w.mu.Lock()
		if w.current == action {
			w.current = nil
		}
		w.mu.Unlock()
	}
}

// abortAll aborts the in-flight action and drains the queue.
func (w *Worker) abortAll() {
	w.mu.Lock()
	current := w.current
	queue := w.queue
	w.current = nil
	w.queue = nil
	w.mu.Unlock()

	if current != nil {
		current.Abort()
	}
	for _, a := range queue {
		a.Abort()
	}
}

func sameUID(tag Tag, uid [7]byte) bool {
	u := tag.UID()

	return bytes.Equal(u[:], uid[:])
}
