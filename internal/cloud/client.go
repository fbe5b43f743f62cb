// Package cloud implements the asynchronous RPC client towards the
// permission authority. Requests carry a JSON payload wrapped in the
// functions envelope {"data": "<base64>"}; responses use the same envelope.
// Calls return a Response future the control loop polls without blocking.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/offenewerkstatt/maco/internal/errorcodes"
	"github.com/offenewerkstatt/maco/internal/logging"
)

// envelope is the outer wire format shared by all endpoints.
type envelope struct {
	Data string `json:"data"`
}

// validator is implemented by response types carrying oneof variants.
type validator interface {
	Validate() error
}

// Response is a single-assignment future for one cloud round-trip. Poll it
// from the control loop; it never blocks.
type Response[T any] struct {
	mu    sync.Mutex
	ready bool
	value T
	err   error
}

// Ready reports whether the round-trip has completed.
func (r *Response[T]) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ready
}

// Result returns the outcome. Only meaningful once Ready reports true;
// before that it returns the zero value and a nil error.
func (r *Response[T]) Result() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.value, r.err
}

func (r *Response[T]) complete(v T, err error) {
	r.mu.Lock()
	r.value = v
	r.err = err
	r.ready = true
	r.mu.Unlock()
}

// Client talks to the cloud authority over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient creates a client for the given authority base URL. The API key
// is optional; when set it is sent as a bearer token.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithHTTP creates a client with a caller-supplied http.Client.
func NewClientWithHTTP(baseURL, apiKey string, httpc *http.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, httpc: httpc}
}

// post runs one round-trip in a goroutine and resolves the future. A caller
// that loses interest (tag removed) simply stops polling; the eventual
// completion is discarded with the future.
func post[Req any, Resp any](
	ctx context.Context,
	c *Client,
	endpoint string,
	req Req,
) *Response[Resp] {
	future := &Response[Resp]{}

	go func() {
		start := time.Now()
		resp, err := roundTrip[Req, Resp](ctx, c, endpoint, req)
		logging.LogCloudResponse(endpoint, time.Since(start).Milliseconds(), err)
		future.complete(resp, err)
	}()

	return future
}

func roundTrip[Req any, Resp any](
	ctx context.Context,
	c *Client,
	endpoint string,
	req Req,
) (Resp, error) {
	var zero Resp

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, errorcodes.ErrUnspecified.Wrap(err)
	}

	outer, err := json.Marshal(envelope{
		Data: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return zero, errorcodes.ErrUnspecified.Wrap(err)
	}

	url := c.baseURL + "/" + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(outer))
	if err != nil {
		return zero, errorcodes.ErrTransport.Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return zero, errorcodes.ErrTransport.Wrap(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return zero, errorcodes.ErrTransport.Wrap(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return zero, errorcodes.ErrTransport.Wrap(
			fmt.Errorf("%s returned status %d", endpoint, httpResp.StatusCode),
		)
	}

	var outerResp envelope
	if err := json.Unmarshal(body, &outerResp); err != nil {
		return zero, errorcodes.ErrMalformedResponse.Wrap(err)
	}

	inner, err := base64.StdEncoding.DecodeString(outerResp.Data)
	if err != nil {
		return zero, errorcodes.ErrMalformedResponse.Wrap(err)
	}

	var resp Resp
	if err := json.Unmarshal(inner, &resp); err != nil {
		return zero, errorcodes.ErrMalformedResponse.Wrap(err)
	}

	if v, ok := any(&resp).(validator); ok {
		if err := v.Validate(); err != nil {
			return zero, err
		}
	}

	return resp, nil
}

// StartSession opens or resumes a session for the given tag.
func (c *Client) StartSession(
	ctx context.Context,
	req StartSessionRequest,
) *Response[StartSessionResponse] {
	logging.LogCloudRequest(EndpointStartSession, nil, len(req.TokenID))

	return post[StartSessionRequest, StartSessionResponse](
		ctx, c, EndpointStartSession, req,
	)
}

// AuthenticateNewSession forwards the tag's encrypted challenge.
func (c *Client) AuthenticateNewSession(
	ctx context.Context,
	req AuthenticateNewSessionRequest,
) *Response[AuthenticateNewSessionResponse] {
	logging.LogCloudRequest(EndpointAuthenticateNewSession, nil, len(req.NtagChallenge))

	return post[AuthenticateNewSessionRequest, AuthenticateNewSessionResponse](
		ctx, c, EndpointAuthenticateNewSession, req,
	)
}

// CompleteAuthentication closes the 3-pass exchange.
func (c *Client) CompleteAuthentication(
	ctx context.Context,
	req CompleteAuthenticationRequest,
) *Response[CompleteAuthenticationResponse] {
	logging.LogCloudRequest(EndpointCompleteAuthentication, nil, len(req.EncryptedNtagResponse))

	return post[CompleteAuthenticationRequest, CompleteAuthenticationResponse](
		ctx, c, EndpointCompleteAuthentication, req,
	)
}

// UploadMachineUsage uploads the machine's usage history, best effort.
func (c *Client) UploadMachineUsage(
	ctx context.Context,
	req UploadMachineUsageRequest,
) *Response[UploadMachineUsageResponse] {
	logging.LogCloudRequest(EndpointUploadMachineUsage, nil, len(req.Records))

	return post[UploadMachineUsageRequest, UploadMachineUsageResponse](
		ctx, c, EndpointUploadMachineUsage, req,
	)
}

// EncodeEnvelope wraps a JSON payload into the wire envelope. Shared with
// the gateway and the authority dev server.
func EncodeEnvelope(payload []byte) ([]byte, error) {
	return json.Marshal(envelope{Data: base64.StdEncoding.EncodeToString(payload)})
}

// DecodeEnvelope unwraps the wire envelope into the inner JSON payload.
func DecodeEnvelope(body []byte) ([]byte, error) {
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, errorcodes.ErrMalformedResponse.Wrap(err)
	}
	inner, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, errorcodes.ErrMalformedResponse.Wrap(err)
	}

	return inner, nil
}
