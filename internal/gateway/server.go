package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/rs/zerolog/log"
)

// forwardable lists the endpoints terminals may reach through the gateway.
var forwardable = map[string]bool{
	"startSession":           true,
	"authenticateNewSession": true,
	"completeAuthentication": true,
	"uploadMachineUsage":     true,
}

// logAdapter implements anet.Logger using zerolog.
type logAdapter struct{}

func (l logAdapter) Print(v ...any) {
	log.Info().Msg(fmt.Sprint(v...))
}

func (l logAdapter) Printf(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Infof(format string, v ...any) {
	log.Info().Msgf(format, v...)
}

func (l logAdapter) Warnf(format string, v ...any) {
	log.Warn().Msgf(format, v...)
}

func (l logAdapter) Errorf(format string, v ...any) {
	log.Error().Msgf(format, v...)
}

// Server terminates encrypted terminal links and forwards requests to the
// cloud authority.
type Server struct {
	address     string
	srv         *anetserver.Server
	keys        *KeyStore
	upstream    string
	apiKey      string
	httpc       *http.Client
	activeConns int32
}

// NewServer configures the gateway listening on address, forwarding to the
// authority at upstreamURL.
func NewServer(address string, keys *KeyStore, upstreamURL, apiKey string) (*Server, error) {
	cfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // terminals hold their link open.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logAdapter{},
	}

	s := &Server{
		address:  address,
		keys:     keys,
		upstream: upstreamURL,
		apiKey:   apiKey,
		httpc:    &http.Client{Timeout: 15 * time.Second},
	}

	handler := anetserver.HandlerFunc(s.handle)
	srv, err := anetserver.NewServer(address, handler, cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening for terminal connections.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Str("upstream", s.upstream).Msg("gateway started")

	return s.srv.Start()
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// handle decrypts one terminal frame, forwards the inner request upstream,
// and returns the encrypted response frame.
func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()

	deviceID, plaintext, err := Open(s.keys, data)
	if err != nil {
		// An unauthenticated frame gets no reply that could act as an
		// oracle; drop the request.
		log.Warn().
			Str("event", "frame_rejected").
			Str("client_ip", client).
			Err(err).
			Msg("discarding unauthenticated frame")

		return nil, fmt.Errorf("frame rejected: %w", err)
	}

	var fwd Forward
	if err := json.Unmarshal(plaintext, &fwd); err != nil {
		return s.respond(deviceID, ForwardResponse{
			Status: http.StatusBadRequest,
			Error:  "malformed forward message",
		})
	}

	log.Info().
		Str("event", "request_received").
		Str("client_ip", client).
		Str("device_id", hex.EncodeToString(deviceID[:])).
		Str("endpoint", fwd.Endpoint).
		Str("request_id", fwd.RequestID).
		Int("active_connections", int(atomic.LoadInt32(&s.activeConns))).
		Msg("forwarding terminal request")

	resp := s.forward(fwd)

	log.Debug().
		Str("event", "handle_done").
		Str("endpoint", fwd.Endpoint).
		Str("request_id", fwd.RequestID).
		Int("status", resp.Status).
		Str("duration", time.Since(start).String()).
		Msg("completed request handling")

	return s.respond(deviceID, resp)
}

// forward relays the inner request to the authority.
func (s *Server) forward(fwd Forward) ForwardResponse {
	resp := ForwardResponse{RequestID: fwd.RequestID}

	if !forwardable[fwd.Endpoint] {
		resp.Status = http.StatusNotFound
		resp.Error = "unknown endpoint"

		return resp
	}

	url := s.upstream + "/" + fwd.Endpoint
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(fwd.Payload))
	if err != nil {
		resp.Status = http.StatusBadGateway
		resp.Error = err.Error()

		return resp
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	httpResp, err := s.httpc.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", fwd.Endpoint).Msg("upstream request failed")
		resp.Status = http.StatusBadGateway
		resp.Error = "upstream unreachable"

		return resp
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		resp.Status = http.StatusBadGateway
		resp.Error = "upstream read failed"

		return resp
	}

	resp.Status = httpResp.StatusCode
	if json.Valid(body) {
		resp.Payload = body
	} else if len(body) > 0 {
		resp.Error = string(body)
	}

	return resp
}

// respond seals a response frame for the device.
func (s *Server) respond(
	deviceID [DeviceIDSize]byte,
	resp ForwardResponse,
) ([]byte, error) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	frame, err := Seal(s.keys.Key(deviceID), deviceID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal response: %w", err)
	}

	return frame, nil
}
