// Package nfc owns the reader hardware and tag presence tracking. A worker
// goroutine polls the reader, authenticates arriving tags with the terminal
// key, and ticks queued actions against the present tag. Consumers observe
// presence through immutable state snapshots.
package nfc

import "fmt"

// Key slot assignment on provisioned tags.
const (
	KeySlotApplication   byte = 0
	KeySlotTerminal      byte = 1
	KeySlotAuthorization byte = 2
)

// Status is an NTAG424 DNA command status byte (SW2 of a 0x91xx response).
type Status byte

// DNA status bytes this terminal reacts to.
const (
	StatusOK                  Status = 0x00
	StatusAdditionalFrame     Status = 0xAF
	StatusAuthenticationDelay Status = 0xAD
	StatusAuthenticationError Status = 0xAE
	StatusPermissionDenied    Status = 0x9D
	StatusParameterError      Status = 0x9E
	StatusMemoryError         Status = 0xEE
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAdditionalFrame:
		return "ADDITIONAL_FRAME"
	case StatusAuthenticationDelay:
		return "AUTHENTICATION_DELAY"
	case StatusAuthenticationError:
		return "AUTHENTICATION_ERROR"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusParameterError:
		return "PARAMETER_ERROR"
	case StatusMemoryError:
		return "MEMORY_ERROR"
	default:
		return fmt.Sprintf("STATUS_%02X", byte(s))
	}
}

// StatusError carries a tag status byte as an error.
type StatusError struct {
	Status Status
}

// Error implements the error interface.
func (e StatusError) Error() string {
	return fmt.Sprintf("tag status %s", e.Status)
}

// Retryable reports whether the command should simply be retried.
// AUTHENTICATION_DELAY is the tag's brute-force throttle, not a failure.
func (e StatusError) Retryable() bool {
	return e.Status == StatusAuthenticationDelay
}

// IsRetryable reports whether err is a retryable tag status.
func IsRetryable(err error) bool {
	se, ok := err.(StatusError)

	return ok && se.Retryable()
}

// Tag is one NFC tag in the reader field. Implementations are not safe for
// concurrent use; only the worker goroutine touches a tag.
type Tag interface {
	// UID returns the 7-byte tag UID.
	UID() [7]byte
	// AuthenticateBegin starts EV2 mutual authentication against the given
	// key slot and returns the tag's encrypted 16-byte challenge.
	AuthenticateBegin(keySlot byte) ([]byte, error)
	// AuthenticatePart2 feeds the authority's 32-byte challenge to the tag
	// and returns the tag's encrypted 32-byte response.
	AuthenticatePart2(cloudChallenge []byte) ([]byte, error)
}

// Reader detects tag arrival and departure.
type Reader interface {
	// Detect returns the tag currently in the field, or (nil, nil) when the
	// field is empty. Must not block.
	Detect() (Tag, error)
	// Close releases the reader.
	Close() error
}

// Action is a multi-step task ticked against the present tag, one step per
// control-loop tick. Implementations must never block inside Tick.
type Action interface {
	Tick(tag Tag)
	Done() bool
	// Abort discards in-flight work when the tag leaves the field. Any
	// response that later arrives for this action must be ignored.
	Abort()
}
