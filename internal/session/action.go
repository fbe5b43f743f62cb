package session

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/nfc"
)

// Outcome classifies a finished authentication attempt.
type Outcome int

const (
	// OutcomePending means the action is still in flight.
	OutcomePending Outcome = iota
	// OutcomeSucceeded means a session was issued or reused.
	OutcomeSucceeded
	// OutcomeRejected is an explicit business rejection with a message.
	OutcomeRejected
	// OutcomeFailed is a protocol, tag, or transport failure.
	OutcomeFailed
)

// Result is the terminal outcome of a StartSessionAction.
type Result struct {
	Outcome Outcome
	Session *TokenSession
	Message string
	Err     error
}

// Action steps. Each awaiting step polls one in-flight cloud response.
type step int

const (
	stepBegin step = iota
	stepAwaitStartSession
	stepAwaitAuthenticateNewSession
	stepAwaitCompleteAuthentication
	stepFinished
)

// StartSessionAction runs the full cloud+tag authentication round-trip as a
// poll-driven step machine: the NFC worker ticks it against the present tag,
// the coordinator polls Result. At most one cloud request is in flight.
type StartSessionAction struct {
	uid      [7]byte
	client   *cloud.Client
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	step      step
	sessionID string

	startResp    *cloud.Response[cloud.StartSessionResponse]
	authResp     *cloud.Response[cloud.AuthenticateNewSessionResponse]
	completeResp *cloud.Response[cloud.CompleteAuthenticationResponse]

	mu     sync.Mutex
	result Result
}

// NewStartSessionAction creates an action for the given tag UID.
func NewStartSessionAction(
	uid [7]byte,
	client *cloud.Client,
	registry *Registry,
) *StartSessionAction {
	ctx, cancel := context.WithCancel(context.Background())

	return &StartSessionAction{
		uid:      uid,
		client:   client,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		result:   Result{Outcome: OutcomePending},
	}
}

// Result returns the current outcome. Safe from any goroutine.
func (a *StartSessionAction) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.result
}

// Done implements nfc.Action.
func (a *StartSessionAction) Done() bool {
	return a.Result().Outcome != OutcomePending
}

// Abort implements nfc.Action. The tag left the field: cancel the in-flight
// request and mark the attempt failed. A response arriving afterwards is
// discarded with the futures.
func (a *StartSessionAction) Abort() {
	a.cancel()
	a.finishFailed(errorcodes.ErrAborted)
}

// Tick implements nfc.Action: advance at most one step, never blocking.
func (a *StartSessionAction) Tick(tag nfc.Tag) {
	switch a.step {
	case stepBegin:
		a.tickBegin()
	case stepAwaitStartSession:
		a.tickAwaitStartSession(tag)
	case stepAwaitAuthenticateNewSession:
		a.tickAwaitAuthenticateNewSession(tag)
	case stepAwaitCompleteAuthentication:
		a.tickAwaitCompleteAuthentication()
	case stepFinished:
	}
}

func (a *StartSessionAction) tickBegin() {
	if s, ok := a.registry.Lookup(a.uid); ok {
		log.Debug().Str("uid", hex.EncodeToString(a.uid[:])).Msg("session cache hit")
		a.finishSucceeded(s)

		return
	}

	a.startResp = a.client.StartSession(a.ctx, cloud.StartSessionRequest{
		TokenID: hex.EncodeToString(a.uid[:]),
	})
	a.step = stepAwaitStartSession
}

func (a *StartSessionAction) tickAwaitStartSession(tag nfc.Tag) {
	if a.startResp != nil {
		if !a.startResp.Ready() {
			return
		}

		resp, err := a.startResp.Result()
		a.startResp = nil
		if err != nil {
			a.finishFailed(err)

			return
		}

		switch {
		case resp.Rejected != nil:
			a.finishRejected(resp.Rejected.Message)

			return
		case resp.Session != nil:
			a.registerSession(resp.Session)

			return
		}
		// AuthRequired: fall through to the tag challenge below.
	}

	// Begin mutual authentication with the authorization key slot. The
	// tag's AUTHENTICATION_DELAY throttle is retried on later ticks.
	challenge, err := tag.AuthenticateBegin(nfc.KeySlotAuthorization)
	if err != nil {
		if nfc.IsRetryable(err) {
			return
		}
		a.finishFailed(errorcodes.ErrNtagFailed.Wrap(err))

		return
	}

	a.authResp = a.client.AuthenticateNewSession(a.ctx, cloud.AuthenticateNewSessionRequest{
		TokenID:       hex.EncodeToString(a.uid[:]),
		NtagChallenge: challenge,
	})
	a.step = stepAwaitAuthenticateNewSession
}

func (a *StartSessionAction) tickAwaitAuthenticateNewSession(tag nfc.Tag) {
	if !a.authResp.Ready() {
		return
	}

	resp, err := a.authResp.Result()
	a.authResp = nil
	if err != nil {
		a.finishFailed(err)

		return
	}
	if resp.Rejected != nil {
		a.finishRejected(resp.Rejected.Message)

		return
	}

	a.sessionID = resp.Challenge.SessionID

	response, err := tag.AuthenticatePart2(resp.Challenge.CloudChallenge)
	if err != nil {
		a.finishFailed(errorcodes.ErrNtagFailed.Wrap(err))

		return
	}

	a.completeResp = a.client.CompleteAuthentication(a.ctx, cloud.CompleteAuthenticationRequest{
		SessionID:             a.sessionID,
		EncryptedNtagResponse: response,
	})
	a.step = stepAwaitCompleteAuthentication
}

func (a *StartSessionAction) tickAwaitCompleteAuthentication() {
	if !a.completeResp.Ready() {
		return
	}

	resp, err := a.completeResp.Result()
	a.completeResp = nil
	if err != nil {
		a.finishFailed(err)

		return
	}
	if resp.Rejected != nil {
		a.finishRejected(resp.Rejected.Message)

		return
	}

	a.registerSession(resp.Session)
}

func (a *StartSessionAction) registerSession(data *cloud.TokenSessionData) {
	s, err := NewTokenSession(data)
	if err != nil {
		a.finishFailed(err)

		return
	}

	a.registry.Store(a.uid, s)
	a.finishSucceeded(s)
}

func (a *StartSessionAction) finishSucceeded(s *TokenSession) {
	a.step = stepFinished
	a.mu.Lock()
	if a.result.Outcome == OutcomePending {
		a.result = Result{Outcome: OutcomeSucceeded, Session: s}
	}
	a.mu.Unlock()
}

func (a *StartSessionAction) finishRejected(message string) {
	a.step = stepFinished
	a.mu.Lock()
	if a.result.Outcome == OutcomePending {
		a.result = Result{Outcome: OutcomeRejected, Message: message}
	}
	a.mu.Unlock()
}

func (a *StartSessionAction) finishFailed(err error) {
	a.step = stepFinished
	a.mu.Lock()
	if a.result.Outcome == OutcomePending {
		log.Warn().Err(err).Str("uid", hex.EncodeToString(a.uid[:])).
			Msg("authentication attempt failed")
		a.result = Result{Outcome: OutcomeFailed, Err: err}
	}
	a.mu.Unlock()
}
