package nfc

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/offenewerkstatt/maco/pkg/ntag424"
)

// SimTag is a software NTAG424 used by the simulator and the protocol tests.
// It holds one key per slot and runs the tag half of the handshake in-process.
type SimTag struct {
	uid  [7]byte
	keys map[byte][]byte

	// delayTicks makes the next AuthenticateBegin calls answer with
	// AUTHENTICATION_DELAY, simulating the tag's throttle.
	delayTicks int

	pending     *ntag424.TagChallenge
	pendingSlot byte
	sessionKeys *ntag424.SessionKeys
	ti          [ntag424.TISize]byte
}

// NewSimTag creates a software tag with the given UID and per-slot keys.
func NewSimTag(uid [7]byte, keys map[byte][]byte) *SimTag {
	return &SimTag{uid: uid, keys: keys}
}

// SetAuthenticationDelay makes the next n AuthenticateBegin calls fail with
// the retryable AUTHENTICATION_DELAY status.
func (t *SimTag) SetAuthenticationDelay(n int) { t.delayTicks = n }

// UID returns the tag UID.
func (t *SimTag) UID() [7]byte { return t.uid }

// AuthenticateBegin starts the handshake against the given key slot.
func (t *SimTag) AuthenticateBegin(keySlot byte) ([]byte, error) {
	if t.delayTicks > 0 {
		t.delayTicks--

		return nil, StatusError{Status: StatusAuthenticationDelay}
	}

	key, ok := t.keys[keySlot]
	if !ok {
		return nil, StatusError{Status: StatusParameterError}
	}

	challenge, err := ntag424.TagBeginAuth(key)
	if err != nil {
		return nil, fmt.Errorf("begin auth: %w", err)
	}

	if _, err := rand.Read(t.ti[:]); err != nil {
		return nil, fmt.Errorf("generate TI: %w", err)
	}

	t.pending = challenge
	t.pendingSlot = keySlot
	t.sessionKeys = nil

	return challenge.Encrypted, nil
}

// AuthenticatePart2 completes the handshake with the authority's challenge.
func (t *SimTag) AuthenticatePart2(cloudChallenge []byte) ([]byte, error) {
	if t.pending == nil {
		return nil, StatusError{Status: StatusAuthenticationError}
	}

	key := t.keys[t.pendingSlot]
	challenge := t.pending
	t.pending = nil

	var caps [ntag424.CapSize]byte
	response, rndA, err := ntag424.TagRespond(key, challenge, cloudChallenge, t.ti, caps, caps)
	if err != nil {
		return nil, StatusError{Status: StatusAuthenticationError}
	}

	keys, err := ntag424.DeriveSessionKeys(key, rndA, challenge.RndB)
	if err != nil {
		return nil, fmt.Errorf("derive session keys: %w", err)
	}
	t.sessionKeys = &keys

	return response, nil
}

// SessionKeys returns the keys derived in the last completed handshake,
// letting tests compare both sides of the exchange.
func (t *SimTag) SessionKeys() (ntag424.SessionKeys, bool) {
	if t.sessionKeys == nil {
		return ntag424.SessionKeys{}, false
	}

	return *t.sessionKeys, true
}

// TI returns the transaction identifier of the last handshake.
func (t *SimTag) TI() [ntag424.TISize]byte { return t.ti }

// SimReader is a reader whose field is driven programmatically: Tap places a
// tag, Remove clears it. Safe for concurrent use.
type SimReader struct {
	mu  sync.Mutex
	tag Tag
}

// NewSimReader creates an empty simulated reader.
func NewSimReader() *SimReader { return &SimReader{} }

// Tap places a tag in the field.
func (r *SimReader) Tap(tag Tag) {
	r.mu.Lock()
	r.tag = tag
	r.mu.Unlock()
}

// Remove clears the field.
func (r *SimReader) Remove() {
	r.mu.Lock()
	r.tag = nil
	r.mu.Unlock()
}

// Detect implements Reader.
func (r *SimReader) Detect() (Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tag, nil
}

// Close implements Reader.
func (r *SimReader) Close() error { return nil }
