// Package session tracks authenticated users at the terminal: the token
// session issued by the authority, a tag-keyed reuse cache, the multi-step
// cloud authentication action, and the coordinator state machine that ties
// tag presence to session lifecycle.
package session

import (
	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/pkg/ntag424"
)

// TokenSession is an authenticated user's presence at the terminal.
// Read-only after construction; shared between the coordinator and the
// machine usage state machine.
type TokenSession struct {
	ID        string
	UserID    string
	UserLabel string
	Keys      ntag424.SessionKeys
	TI        [ntag424.TISize]byte

	permissions map[string]struct{}
}

// NewTokenSession constructs a session from the authority's payload.
func NewTokenSession(data *cloud.TokenSessionData) (*TokenSession, error) {
	enc, mac, ti, err := data.DecodeKeys()
	if err != nil {
		return nil, err
	}

	perms := make(map[string]struct{}, len(data.Permissions))
	for _, p := range data.Permissions {
		perms[p] = struct{}{}
	}

	return &TokenSession{
		ID:          data.SessionID,
		UserID:      data.UserID,
		UserLabel:   data.UserLabel,
		Keys:        ntag424.SessionKeys{Enc: enc, Mac: mac},
		TI:          ti,
		permissions: perms,
	}, nil
}

// HasPermission reports whether the session grants the named permission.
func (s *TokenSession) HasPermission(name string) bool {
	_, ok := s.permissions[name]

	return ok
}

// Permissions returns the granted permission names.
func (s *TokenSession) Permissions() []string {
	out := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		out = append(out, p)
	}

	return out
}
