package authority

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/cloud"
	"github.com/offenewerkstatt/maco/pkg/ntag424"
)

const (
	// pendingAuthTTL bounds how long an unfinished handshake may dangle.
	pendingAuthTTL = time.Minute
	// sessionReuseWindow lets a recently authenticated tag skip the
	// handshake on its next startSession.
	sessionReuseWindow = 5 * time.Minute
)

type pendingAuth struct {
	tokenID string
	step1   *ntag424.Step1Result
	created time.Time
}

type issuedSession struct {
	data   cloud.TokenSessionData
	issued time.Time
}

// Server implements the authority's HTTP surface.
type Server struct {
	store *Store
	now   func() time.Time

	mu       sync.Mutex
	pending  map[string]pendingAuth
	sessions map[string]issuedSession // keyed by hex UID
	uploads  []cloud.UploadMachineUsageRequest
}

// NewServer creates an authority over the given store.
func NewServer(store *Store) *Server {
	return newServerWithClock(store, time.Now)
}

func newServerWithClock(store *Store, now func() time.Time) *Server {
	return &Server{
		store:    store,
		now:      now,
		pending:  make(map[string]pendingAuth),
		sessions: make(map[string]issuedSession),
	}
}

// Router returns the HTTP router serving the authority endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	r.HandleFunc("/"+cloud.EndpointStartSession, s.handleStartSession).Methods("POST")
	r.HandleFunc("/"+cloud.EndpointAuthenticateNewSession, s.handleAuthenticateNewSession).
		Methods("POST")
	r.HandleFunc("/"+cloud.EndpointCompleteAuthentication, s.handleCompleteAuthentication).
		Methods("POST")
	r.HandleFunc("/"+cloud.EndpointUploadMachineUsage, s.handleUploadMachineUsage).
		Methods("POST")

	return r
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req cloud.StartSessionRequest
	if !decode(w, r, &req) {
		return
	}

	tag, ok := s.store.Tag(req.TokenID)
	if !ok {
		writeJSON(w, cloud.StartSessionResponse{
			Rejected: &cloud.Rejected{Message: "Unbekannter Token"},
		})

		return
	}
	if tag.Disabled {
		writeJSON(w, cloud.StartSessionResponse{
			Rejected: &cloud.Rejected{Message: "Token gesperrt"},
		})

		return
	}

	// A tag that completed authentication recently gets its session back
	// without a new handshake.
	s.mu.Lock()
	issued, found := s.sessions[req.TokenID]
	if found && s.now().Sub(issued.issued) > sessionReuseWindow {
		delete(s.sessions, req.TokenID)
		found = false
	}
	s.mu.Unlock()

	if found {
		data := issued.data
		writeJSON(w, cloud.StartSessionResponse{Session: &data})

		return
	}

	writeJSON(w, cloud.StartSessionResponse{AuthRequired: &cloud.AuthRequired{}})
}

func (s *Server) handleAuthenticateNewSession(w http.ResponseWriter, r *http.Request) {
	var req cloud.AuthenticateNewSessionRequest
	if !decode(w, r, &req) {
		return
	}

	tag, ok := s.store.Tag(req.TokenID)
	if !ok || tag.Disabled {
		writeJSON(w, cloud.AuthenticateNewSessionResponse{
			Rejected: &cloud.Rejected{Message: "Unbekannter Token"},
		})

		return
	}

	step1, err := ntag424.AuthorizeStep1(tag.AuthKey, req.NtagChallenge)
	if err != nil {
		log.Warn().Err(err).Str("token", req.TokenID).Msg("step 1 failed")
		writeJSON(w, cloud.AuthenticateNewSessionResponse{
			Rejected: &cloud.Rejected{Message: "Authentifizierung fehlgeschlagen"},
		})

		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.prunePendingLocked()
	s.pending[id] = pendingAuth{tokenID: req.TokenID, step1: step1, created: s.now()}
	s.mu.Unlock()

	writeJSON(w, cloud.AuthenticateNewSessionResponse{
		Challenge: &cloud.CloudChallenge{
			SessionID:      id,
			CloudChallenge: step1.Encrypted,
		},
	})
}

func (s *Server) handleCompleteAuthentication(w http.ResponseWriter, r *http.Request) {
	var req cloud.CompleteAuthenticationRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.prunePendingLocked()
	pending, ok := s.pending[req.SessionID]
	delete(s.pending, req.SessionID)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, cloud.CompleteAuthenticationResponse{
			Rejected: &cloud.Rejected{Message: "Sitzung abgelaufen"},
		})

		return
	}

	tag, found := s.store.Tag(pending.tokenID)
	if !found {
		writeJSON(w, cloud.CompleteAuthenticationResponse{
			Rejected: &cloud.Rejected{Message: "Unbekannter Token"},
		})

		return
	}

	step2, err := ntag424.AuthorizeStep2(tag.AuthKey, req.EncryptedNtagResponse, pending.step1.RndA)
	if err != nil {
		if !errors.Is(err, ntag424.ErrRndAVerification) {
			log.Warn().Err(err).Str("token", pending.tokenID).Msg("step 2 failed")
		}
		writeJSON(w, cloud.CompleteAuthenticationResponse{
			Rejected: &cloud.Rejected{Message: "Authentifizierung fehlgeschlagen"},
		})

		return
	}

	user, found := s.store.UserFor(tag)
	if !found {
		writeJSON(w, cloud.CompleteAuthenticationResponse{
			Rejected: &cloud.Rejected{Message: "Kein Benutzer zugeordnet"},
		})

		return
	}

	keys, err := ntag424.DeriveSessionKeys(tag.AuthKey, pending.step1.RndA, pending.step1.RndB)
	if err != nil {
		http.Error(w, "key derivation failed", http.StatusInternalServerError)

		return
	}

	data := cloud.TokenSessionData{
		SessionID:             req.SessionID,
		UserID:                user.ID,
		UserLabel:             user.Label,
		Permissions:           user.Permissions,
		SesAuthEncKey:         hex.EncodeToString(keys.Enc[:]),
		SesAuthMacKey:         hex.EncodeToString(keys.Mac[:]),
		TransactionIdentifier: hex.EncodeToString(step2.TI[:]),
		PiccCapabilities:      hex.EncodeToString(step2.PDcap2[:]),
	}

	s.mu.Lock()
	s.sessions[pending.tokenID] = issuedSession{data: data, issued: s.now()}
	s.mu.Unlock()

	log.Info().Str("token", pending.tokenID).Str("user", user.ID).Msg("session issued")
	writeJSON(w, cloud.CompleteAuthenticationResponse{Session: &data})
}

func (s *Server) handleUploadMachineUsage(w http.ResponseWriter, r *http.Request) {
	var req cloud.UploadMachineUsageRequest
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, req)
	s.mu.Unlock()

	log.Info().Str("machine", req.MachineID).Int("records", len(req.Records)).
		Msg("usage history received")
	writeJSON(w, cloud.UploadMachineUsageResponse{Accepted: len(req.Records)})
}

// Uploads returns all usage uploads received so far.
func (s *Server) Uploads() []cloud.UploadMachineUsageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]cloud.UploadMachineUsageRequest, len(s.uploads))
	copy(out, s.uploads)

	return out
}

// prunePendingLocked drops handshakes that were never completed.
func (s *Server) prunePendingLocked() {
	cutoff := s.now().Add(-pendingAuthTTL)
	for id, p := range s.pending {
		if p.created.Before(cutoff) {
			delete(s.pending, id)
		}
	}
}

// decode unwraps the request envelope into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)

		return false
	}

	inner, err := cloud.DecodeEnvelope(body)
	if err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)

		return false
	}
	if err := json.Unmarshal(inner, v); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)

		return false
	}

	return true
}

// writeJSON wraps a response value into the envelope.
func writeJSON(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)

		return
	}
	outer, err := cloud.EncodeEnvelope(payload)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(outer)
}
