package cloud

import (
	"encoding/hex"

	"github.com/offenewerkstatt/maco/internal/errorcodes"
)

// Endpoint names served by the cloud authority.
const (
	EndpointStartSession           = "startSession"
	EndpointAuthenticateNewSession = "authenticateNewSession"
	EndpointCompleteAuthentication = "completeAuthentication"
	EndpointUploadMachineUsage     = "uploadMachineUsage"
)

// Rejected is an explicit business rejection with a user-facing message.
type Rejected struct {
	Message string `json:"message"`
}

// AuthRequired signals that the tag must run the mutual authentication
// exchange before a session can be issued.
type AuthRequired struct{}

// TokenSessionData is the session payload issued by the authority on a
// successful authentication or a fast-path session reuse.
type TokenSessionData struct {
	SessionID             string   `json:"sessionId"`
	UserID                string   `json:"userId"`
	UserLabel             string   `json:"userLabel"`
	Permissions           []string `json:"permissions"`
	SesAuthEncKey         string   `json:"sesAuthEncKey"`         // hex, 16 bytes
	SesAuthMacKey         string   `json:"sesAuthMacKey"`         // hex, 16 bytes
	TransactionIdentifier string   `json:"transactionIdentifier"` // hex, 4 bytes
	PiccCapabilities      string   `json:"piccCapabilities"`      // hex, 6 bytes
}

// DecodeKeys decodes the hex-encoded key material fields.
func (d *TokenSessionData) DecodeKeys() (enc, mac [16]byte, ti [4]byte, err error) {
	if err = decodeHexInto(d.SesAuthEncKey, enc[:]); err != nil {
		return enc, mac, ti, errorcodes.ErrMalformedResponse.Wrap(err)
	}
	if err = decodeHexInto(d.SesAuthMacKey, mac[:]); err != nil {
		return enc, mac, ti, errorcodes.ErrMalformedResponse.Wrap(err)
	}
	if err = decodeHexInto(d.TransactionIdentifier, ti[:]); err != nil {
		return enc, mac, ti, errorcodes.ErrMalformedResponse.Wrap(err)
	}

	return enc, mac, ti, nil
}

func decodeHexInto(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return errorcodes.ErrMalformedResponse
	}
	copy(dst, b)

	return nil
}

// StartSessionRequest opens or resumes a session for a tag.
type StartSessionRequest struct {
	TokenID string `json:"tokenId"` // hex-encoded 7-byte tag UID
}

// StartSessionResponse carries exactly one of the three result variants.
type StartSessionResponse struct {
	Session      *TokenSessionData `json:"session,omitempty"`
	AuthRequired *AuthRequired     `json:"authRequired,omitempty"`
	Rejected     *Rejected         `json:"rejected,omitempty"`
}

// Validate enforces the exactly-one-variant contract.
func (r *StartSessionResponse) Validate() error {
	return exactlyOne(r.Session != nil, r.AuthRequired != nil, r.Rejected != nil)
}

// AuthenticateNewSessionRequest forwards the tag's encrypted challenge.
type AuthenticateNewSessionRequest struct {
	TokenID       string `json:"tokenId"`
	NtagChallenge []byte `json:"ntagChallenge"` // 16 bytes, E(Kauth, RndB)
}

// CloudChallenge is the authority's answer to the tag's challenge.
type CloudChallenge struct {
	SessionID      string `json:"sessionId"`
	CloudChallenge []byte `json:"cloudChallenge"` // 32 bytes, E(Kauth, RndA||RndB')
}

// AuthenticateNewSessionResponse carries exactly one result variant.
type AuthenticateNewSessionResponse struct {
	Challenge *CloudChallenge `json:"challenge,omitempty"`
	Rejected  *Rejected       `json:"rejected,omitempty"`
}

// Validate enforces the exactly-one-variant contract.
func (r *AuthenticateNewSessionResponse) Validate() error {
	return exactlyOne(r.Challenge != nil, r.Rejected != nil)
}

// CompleteAuthenticationRequest closes the 3-pass exchange.
type CompleteAuthenticationRequest struct {
	SessionID             string `json:"sessionId"`
	EncryptedNtagResponse []byte `json:"encryptedNtagResponse"` // 32 bytes
}

// CompleteAuthenticationResponse carries exactly one result variant.
type CompleteAuthenticationResponse struct {
	Session  *TokenSessionData `json:"session,omitempty"`
	Rejected *Rejected         `json:"rejected,omitempty"`
}

// Validate enforces the exactly-one-variant contract.
func (r *CompleteAuthenticationResponse) Validate() error {
	return exactlyOne(r.Session != nil, r.Rejected != nil)
}

// UsageRecordData is the wire form of one check-in/check-out cycle.
type UsageRecordData struct {
	SessionID string `json:"sessionId"`
	CheckIn   int64  `json:"checkIn"`            // unix seconds
	CheckOut  int64  `json:"checkOut,omitempty"` // unix seconds, 0 when open
	Reason    string `json:"reason,omitempty"`
}

// UploadMachineUsageRequest uploads the machine's full usage history.
type UploadMachineUsageRequest struct {
	MachineID string            `json:"machineId"`
	Records   []UsageRecordData `json:"records"`
}

// UploadMachineUsageResponse acknowledges a usage upload.
type UploadMachineUsageResponse struct {
	Accepted int `json:"accepted"`
}

// Validate is trivially satisfied; the acknowledgement has one shape.
func (r *UploadMachineUsageResponse) Validate() error { return nil }

func exactlyOne(set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	if n != 1 {
		return errorcodes.ErrMalformedResponse
	}

	return nil
}
