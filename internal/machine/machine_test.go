//nolint:all // test package
package machine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/session"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSession(t *testing.T, id string, permissions ...string) *session.TokenSession {
	t.Helper()

	s, err := session.NewTokenSession(&cloud.TokenSessionData{
		SessionID:             id,
		UserID:                "user-1",
		UserLabel:             "Alex",
		Permissions:           permissions,
		SesAuthEncKey:         "00112233445566778899aabbccddeeff",
		SesAuthMacKey:         "ffeeddccbbaa99887766554433221100",
		TransactionIdentifier: "00000000",
		PiccCapabilities:      "000000000000",
	})
	require.NoError(t, err)

	return s
}

func newTestUsage(t *testing.T, required []string) (*Usage, *History, *SimRelay, *testClock) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history.json")
	history := LoadHistory(path, "machine-1")
	relay := NewSimRelay()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	usage := newUsageWithClock("machine-1", required, relay, history, nil, clock.Now)

	return usage, history, relay, clock
}

func relayOn(t *testing.T, r Relay) bool {
	t.Helper()

	on, err := r.Read()
	require.NoError(t, err)

	return on
}

func TestCheckInCheckOutCycle(t *testing.T) {
	t.Parallel()

	usage, history, relay, clock := newTestUsage(t, []string{"laser"})
	s := testSession(t, "s-1", "laser")

	require.NoError(t, usage.CheckIn(s))
	assert.True(t, fsm.Is[Active](usage.Snapshot()))
	assert.True(t, relayOn(t, relay))
	require.Equal(t, 1, history.Len())
	assert.True(t, history.Records()[0].Open())

	clock.Advance(time.Hour)
	require.NoError(t, usage.CheckOut(ReasonSelfCheckout))
	assert.True(t, fsm.Is[Idle](usage.Snapshot()))
	assert.False(t, relayOn(t, relay))

	records := history.Records()
	require.Len(t, records, 1)
	rec := records[0]
	require.NotNil(t, rec.CheckOut)
	assert.True(t, !rec.CheckOut.Before(rec.CheckIn), "check_in <= check_out")
	require.NotNil(t, rec.Reason)
	assert.Equal(t, ReasonSelfCheckout, *rec.Reason)
}

func TestCheckInWrongState(t *testing.T) {
	t.Parallel()

	usage, history, _, _ := newTestUsage(t, nil)
	s := testSession(t, "s-1")

	require.NoError(t, usage.CheckIn(s))

	err := usage.CheckIn(testSession(t, "s-2"))
	assert.ErrorIs(t, err, errorcodes.ErrWrongState)
	assert.Equal(t, 1, history.Len(), "failed check-in must not touch history")
}

func TestCheckOutTwiceFailsSecondCall(t *testing.T) {
	t.Parallel()

	usage, _, _, _ := newTestUsage(t, nil)
	require.NoError(t, usage.CheckIn(testSession(t, "s-1")))

	require.NoError(t, usage.CheckOut(ReasonUI))
	err := usage.CheckOut(ReasonUI)
	assert.ErrorIs(t, err, errorcodes.ErrWrongState)
}

func TestPermissionDeniedScenario(t *testing.T) {
	t.Parallel()

	usage, history, relay, clock := newTestUsage(t, []string{"laser"})
	s := testSession(t, "s-1", "cnc")

	require.NoError(t, usage.CheckIn(s))

	denied, ok := fsm.Get[Denied](usage.Snapshot())
	require.True(t, ok, "missing permission must lead to Denied")
	assert.Equal(t, "Keine Berechtigung", denied.Message)
	assert.False(t, relayOn(t, relay))
	assert.Equal(t, 0, history.Len(), "denied check-in must not create a record")

	// The denial auto-clears after five seconds.
	clock.Advance(4 * time.Second)
	usage.Tick()
	assert.True(t, fsm.Is[Denied](usage.Snapshot()))

	clock.Advance(2 * time.Second)
	usage.Tick()
	assert.True(t, fsm.Is[Idle](usage.Snapshot()))
}

func TestSessionTimeoutForcesCheckout(t *testing.T) {
	t.Parallel()

	usage, history, relay, clock := newTestUsage(t, nil)
	require.NoError(t, usage.CheckIn(testSession(t, "s-1")))

	clock.Advance(8*time.Hour - time.Minute)
	usage.Tick()
	assert.True(t, fsm.Is[Active](usage.Snapshot()))

	clock.Advance(2 * time.Minute)
	usage.Tick()
	assert.True(t, fsm.Is[Idle](usage.Snapshot()))
	assert.False(t, relayOn(t, relay))

	rec := history.Records()[0]
	require.NotNil(t, rec.Reason)
	assert.Equal(t, ReasonTimeout, *rec.Reason)
}

func TestHistoryDesyncIsUnexpectedState(t *testing.T) {
	t.Parallel()

	usage, history, _, _ := newTestUsage(t, nil)
	require.NoError(t, usage.CheckIn(testSession(t, "s-1")))

	// Corrupt the invariant: close the open record behind the machine's back.
	require.NoError(t, history.CloseLast("s-1", time.Now(), ReasonUI))

	err := usage.CheckOut(ReasonUI)
	assert.ErrorIs(t, err, errorcodes.ErrUnexpectedState)
}

func TestHistoryPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	h := LoadHistory(path, "machine-1")

	checkIn := time.Unix(1_700_000_000, 0).UTC()
	h.Append(UsageRecord{SessionID: "s-1", CheckIn: checkIn})
	require.NoError(t, h.CloseLast("s-1", checkIn.Add(time.Hour), ReasonSelfCheckout))
	require.NoError(t, h.Persist())

	reloaded := LoadHistory(path, "machine-1")
	require.Equal(t, 1, reloaded.Len())
	rec := reloaded.Records()[0]
	assert.Equal(t, "s-1", rec.SessionID)
	assert.True(t, rec.CheckIn.Equal(checkIn))
	require.NotNil(t, rec.Reason)
	assert.Equal(t, ReasonSelfCheckout, *rec.Reason)
}

func TestHistoryMachineMismatchTreatedAsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	h := LoadHistory(path, "machine-1")
	h.Append(UsageRecord{SessionID: "s-1", CheckIn: time.Now()})
	require.NoError(t, h.Persist())

	other := LoadHistory(path, "machine-2")
	assert.Equal(t, 0, other.Len())
}

func TestHistoryCorruptionTreatedAsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	h := LoadHistory(path, "machine-1")
	assert.Equal(t, 0, h.Len())
}

func TestUploadClearsHistoryOnlyOnConfirmedSuccess(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)

			return
		}
		payload, _ := json.Marshal(cloud.UploadMachineUsageResponse{Accepted: 1})
		outer, _ := cloud.EncodeEnvelope(payload)
		_, _ = w.Write(outer)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "history.json")
	history := LoadHistory(path, "machine-1")
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	usage := newUsageWithClock(
		"machine-1", nil, NewSimRelay(), history, cloud.NewClient(srv.URL, ""), clock.Now,
	)

	require.NoError(t, usage.CheckIn(testSession(t, "s-1")))
	require.NoError(t, usage.CheckOut(ReasonUI))

	// Failed upload: history must survive.
	waitUploadSettled(t, usage)
	assert.Equal(t, 1, history.Len(), "failed upload must keep history")

	// Next checkout retries; this time the cloud accepts.
	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, usage.CheckIn(testSession(t, "s-2")))
	require.NoError(t, usage.CheckOut(ReasonUI))
	waitUploadSettled(t, usage)
	assert.Equal(t, 0, history.Len(), "confirmed upload must clear history")
}

func waitUploadSettled(t *testing.T, usage *Usage) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for usage.upload != nil {
		if time.Now().After(deadline) {
			t.Fatal("upload never settled")
		}
		usage.Tick()
		time.Sleep(time.Millisecond)
	}
}
