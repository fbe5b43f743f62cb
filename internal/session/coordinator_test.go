//nolint:all // test package
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/nfc"
	"github.com/offenewerkstatt/maco/pkg/ntag424"
)

var e2eUID = [7]byte{0x04, 0xc3, 0x39, 0xaa, 0x1e, 0x18, 0x90}

// stubAuthority implements the cloud's three authentication endpoints in
// process, running the authority half of the handshake.
type stubAuthority struct {
	authKey     []byte
	permissions []string

	rejectStart    string // when set, startSession answers Rejected
	rejectComplete string // when set, completeAuthentication answers Rejected

	mu         sync.Mutex
	pending    map[string]*ntag424.Step1Result
	startCalls int
	nextID     int
}

func newStubAuthority(authKey []byte, permissions []string) *stubAuthority {
	return &stubAuthority{
		authKey:     authKey,
		permissions: permissions,
		pending:     make(map[string]*ntag424.Step1Result),
	}
}

func (a *stubAuthority) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/"+cloud.EndpointStartSession, func(w http.ResponseWriter, r *http.Request) {
		var req cloud.StartSessionRequest
		decodeRequest(t, r, &req)

		a.mu.Lock()
		a.startCalls++
		a.mu.Unlock()

		if a.rejectStart != "" {
			writeResponse(t, w, cloud.StartSessionResponse{
				Rejected: &cloud.Rejected{Message: a.rejectStart},
			})

			return
		}
		writeResponse(t, w, cloud.StartSessionResponse{AuthRequired: &cloud.AuthRequired{}})
	})

	mux.HandleFunc(
		"/"+cloud.EndpointAuthenticateNewSession,
		func(w http.ResponseWriter, r *http.Request) {
			var req cloud.AuthenticateNewSessionRequest
			decodeRequest(t, r, &req)

			step1, err := ntag424.AuthorizeStep1(a.authKey, req.NtagChallenge)
			require.NoError(t, err)

			a.mu.Lock()
			a.nextID++
			id := "auth-" + hex.EncodeToString([]byte{byte(a.nextID)})
			a.pending[id] = step1
			a.mu.Unlock()

			writeResponse(t, w, cloud.AuthenticateNewSessionResponse{
				Challenge: &cloud.CloudChallenge{
					SessionID:      id,
					CloudChallenge: step1.Encrypted,
				},
			})
		},
	)

	mux.HandleFunc(
		"/"+cloud.EndpointCompleteAuthentication,
		func(w http.ResponseWriter, r *http.Request) {
			var req cloud.CompleteAuthenticationRequest
			decodeRequest(t, r, &req)

			a.mu.Lock()
			step1 := a.pending[req.SessionID]
			delete(a.pending, req.SessionID)
			a.mu.Unlock()
			require.NotNil(t, step1, "unknown session id")

			step2, err := ntag424.AuthorizeStep2(a.authKey, req.EncryptedNtagResponse, step1.RndA)
			require.NoError(t, err)

			if a.rejectComplete != "" {
				writeResponse(t, w, cloud.CompleteAuthenticationResponse{
					Rejected: &cloud.Rejected{Message: a.rejectComplete},
				})

				return
			}

			keys, err := ntag424.DeriveSessionKeys(a.authKey, step1.RndA, step1.RndB)
			require.NoError(t, err)

			writeResponse(t, w, cloud.CompleteAuthenticationResponse{
				Session: &cloud.TokenSessionData{
					SessionID:             req.SessionID,
					UserID:                "user-1",
					UserLabel:             "Alex",
					Permissions:           a.permissions,
					SesAuthEncKey:         hex.EncodeToString(keys.Enc[:]),
					SesAuthMacKey:         hex.EncodeToString(keys.Mac[:]),
					TransactionIdentifier: hex.EncodeToString(step2.TI[:]),
					PiccCapabilities:      hex.EncodeToString(step2.PDcap2[:]),
				},
			})
		},
	)

	return mux
}

func decodeRequest(t *testing.T, r *http.Request, v any) {
	t.Helper()

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	inner, err := cloud.DecodeEnvelope(body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(inner, v))
}

func writeResponse(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	payload, err := json.Marshal(v)
	require.NoError(t, err)
	outer, err := cloud.EncodeEnvelope(payload)
	require.NoError(t, err)
	_, _ = w.Write(outer)
}

// rig wires a sim tag, worker, coordinator, and stub authority together.
type rig struct {
	tag       *nfc.SimTag
	reader    *nfc.SimReader
	worker    *nfc.Worker
	coord     *Coordinator
	registry  *Registry
	authority *stubAuthority
	clock     *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRig(t *testing.T, permissions []string) (*rig, func()) {
	t.Helper()

	terminalKey := make([]byte, 16)
	_, err := rand.Read(terminalKey)
	require.NoError(t, err)
	authKey := make([]byte, 16)
	_, err = rand.Read(authKey)
	require.NoError(t, err)

	tag := nfc.NewSimTag(e2eUID, map[byte][]byte{
		nfc.KeySlotTerminal:      terminalKey,
		nfc.KeySlotAuthorization: authKey,
	})

	authority := newStubAuthority(authKey, permissions)
	srv := httptest.NewServer(authority.handler(t))

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reader := nfc.NewSimReader()
	worker := nfc.NewWorker(reader, func([7]byte) ([]byte, error) {
		return terminalKey, nil
	})
	registry := newRegistryWithClock(clock.Now)
	client := cloud.NewClient(srv.URL, "")
	coord := newCoordinatorWithClock(worker, registry, client, clock.Now)

	r := &rig{
		tag:       tag,
		reader:    reader,
		worker:    worker,
		coord:     coord,
		registry:  registry,
		authority: authority,
		clock:     clock,
	}

	return r, srv.Close
}

// pump ticks worker and coordinator until the condition holds.
func (r *rig) pump(t *testing.T, until func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !until() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; coordinator state %T",
				r.coord.Snapshot().State())
		}
		r.worker.Tick()
		r.coord.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEndAuthenticationScenario(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, []string{"laser"})
	defer done()

	// Empty field: coordinator stays idle.
	r.worker.Tick()
	r.coord.Tick()
	assert.True(t, fsm.Is[Idle](r.coord.Snapshot()))

	r.reader.Tap(r.tag)

	// The coordinator must pass through the authenticating state before a
	// session becomes active.
	sawAuthenticating := false
	r.pump(t, func() bool {
		if fsm.Is[AuthenticatingTag](r.coord.Snapshot()) {
			sawAuthenticating = true
		}

		return fsm.Is[SessionActive](r.coord.Snapshot())
	})
	assert.True(t, sawAuthenticating)

	active, _ := fsm.Get[SessionActive](r.coord.Snapshot())
	require.NotNil(t, active.Session)
	assert.Equal(t, e2eUID, active.UID)
	assert.True(t, active.Session.HasPermission("laser"))
	assert.False(t, active.Session.HasPermission("cnc"))

	// Both handshake halves derived the same session keys.
	tagKeys, ok := r.tag.SessionKeys()
	require.True(t, ok)
	assert.Equal(t, tagKeys, active.Session.Keys)
	assert.Equal(t, r.tag.TI(), active.Session.TI)

	// Removing the tag drops the coordinator back to idle.
	r.reader.Remove()
	r.pump(t, func() bool { return fsm.Is[Idle](r.coord.Snapshot()) })
}

func TestSessionCacheFastPath(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, []string{"laser"})
	defer done()

	r.reader.Tap(r.tag)
	r.pump(t, func() bool { return fsm.Is[SessionActive](r.coord.Snapshot()) })

	r.reader.Remove()
	r.pump(t, func() bool { return fsm.Is[Idle](r.coord.Snapshot()) })

	r.authority.mu.Lock()
	callsAfterFirst := r.authority.startCalls
	r.authority.mu.Unlock()

	// Re-present within the reuse window: straight to active, no cloud.
	r.reader.Tap(r.tag)
	r.pump(t, func() bool { return fsm.Is[SessionActive](r.coord.Snapshot()) })

	r.authority.mu.Lock()
	callsAfterSecond := r.authority.startCalls
	r.authority.mu.Unlock()
	assert.Equal(t, callsAfterFirst, callsAfterSecond, "cache hit must not call the cloud")
}

func TestRejectionShowsMessageThenCoolsDown(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, nil)
	defer done()
	r.authority.rejectStart = "Token gesperrt"

	r.reader.Tap(r.tag)
	r.pump(t, func() bool { return fsm.Is[Rejected](r.coord.Snapshot()) })

	rej, _ := fsm.Get[Rejected](r.coord.Snapshot())
	assert.Equal(t, "Token gesperrt", rej.Message)

	// Still rejected before the cooldown elapses.
	r.coord.Tick()
	assert.True(t, fsm.Is[Rejected](r.coord.Snapshot()))

	r.clock.Advance(6 * time.Second)
	r.pump(t, func() bool { return fsm.Is[Idle](r.coord.Snapshot()) })
}

func TestFailureUsesFallbackMessage(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, nil)
	defer done()

	// Break the transport after terminal auth by pointing at a dead port.
	r.coord.client = cloud.NewClient("http://127.0.0.1:1", "")

	r.reader.Tap(r.tag)
	r.pump(t, func() bool { return fsm.Is[Rejected](r.coord.Snapshot()) })

	rej, _ := fsm.Get[Rejected](r.coord.Snapshot())
	assert.Equal(t, "Authentication failed", rej.Message)
}

func TestTagRemovalDuringAuthenticationAborts(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, []string{"laser"})
	defer done()

	r.reader.Tap(r.tag)

	r.pump(t, func() bool { return fsm.Is[AuthenticatingTag](r.coord.Snapshot()) })

	r.reader.Remove()
	r.pump(t, func() bool { return fsm.Is[Idle](r.coord.Snapshot()) })

	// No session may be cached for an aborted attempt that never finished.
	// (A completed attempt racing the removal is allowed to cache.)
	assert.True(t, fsm.Is[Idle](r.coord.Snapshot()))
}
