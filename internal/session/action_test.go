//nolint:all // test package
package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/fsm"
	"github.com/offenewerkstatt/maco/internal/nfc"
)

// The tag's AUTHENTICATION_DELAY throttle is retried across ticks, never
// surfaced as a failure.
func TestActionRetriesAuthenticationDelay(t *testing.T) {
	t.Parallel()

	r, done := newRig(t, []string{"laser"})
	defer done()

	r.reader.Tap(r.tag)
	r.pump(t, func() bool {
		return fsm.Is[nfc.TerminalAuthenticated](r.worker.Snapshot())
	})

	// Throttle the authorization handshake only; terminal auth is done.
	r.tag.SetAuthenticationDelay(3)

	r.pump(t, func() bool { return fsm.Is[SessionActive](r.coord.Snapshot()) })
}

func TestAbortedActionReportsFailure(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	action := NewStartSessionAction([7]byte{1}, nil, registry)

	action.Abort()

	require.True(t, action.Done())
	result := action.Result()
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.ErrorIs(t, result.Err, errorcodes.ErrAborted)
}

// A result set once stays set; a late completion must not overwrite it.
func TestActionResultIsWriteOnce(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	action := NewStartSessionAction([7]byte{1}, nil, registry)

	action.Abort()
	action.finishSucceeded(&TokenSession{ID: "late"})

	result := action.Result()
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Nil(t, result.Session)
}
