//nolint:all // test package
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offenewerkstatt/maco/internal/errorcodes"
)

// waitReady polls a future the way the control loop does.
func waitReady[T any](t *testing.T, r *Response[T]) (T, error) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !r.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("response never became ready")
		}
		time.Sleep(time.Millisecond)
	}

	return r.Result()
}

// respond wraps a response value into the wire envelope.
func respond(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	payload, err := json.Marshal(v)
	require.NoError(t, err)
	outer, err := EncodeEnvelope(payload)
	require.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(outer)
}

func TestStartSessionAuthRequired(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+EndpointStartSession, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		inner, err := DecodeEnvelope(body)
		require.NoError(t, err)

		var req StartSessionRequest
		require.NoError(t, json.Unmarshal(inner, &req))
		assert.Equal(t, "04c339aa1e1890", req.TokenID)

		respond(t, w, StartSessionResponse{AuthRequired: &AuthRequired{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	resp, err := waitReady(t, c.StartSession(context.Background(), StartSessionRequest{
		TokenID: "04c339aa1e1890",
	}))

	require.NoError(t, err)
	assert.NotNil(t, resp.AuthRequired)
	assert.Nil(t, resp.Session)
	assert.Nil(t, resp.Rejected)
}

func TestTransportFailureMapsToTransportCode(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:1", "")
	_, err := waitReady(t, c.StartSession(context.Background(), StartSessionRequest{
		TokenID: "00",
	}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errorcodes.ErrTransport))
}

func TestNonOKStatusMapsToTransportCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := waitReady(t, c.StartSession(context.Background(), StartSessionRequest{}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errorcodes.ErrTransport))
}

func TestMalformedEnvelopeMapsToMalformedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := waitReady(t, c.StartSession(context.Background(), StartSessionRequest{}))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errorcodes.ErrMalformedResponse))
}

// A response with zero or multiple variants set violates the oneof contract.
func TestOneofValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp StartSessionResponse
	}{
		{name: "none set", resp: StartSessionResponse{}},
		{
			name: "two set",
			resp: StartSessionResponse{
				AuthRequired: &AuthRequired{},
				Rejected:     &Rejected{Message: "no"},
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					respond(t, w, tc.resp)
				}),
			)
			defer srv.Close()

			c := NewClient(srv.URL, "")
			_, err := waitReady(t, c.StartSession(context.Background(), StartSessionRequest{}))

			require.Error(t, err)
			assert.True(t, errors.Is(err, errorcodes.ErrMalformedResponse))
		})
	}
}

func TestCompleteAuthenticationSessionPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, CompleteAuthenticationResponse{
			Session: &TokenSessionData{
				SessionID:             "s-1",
				UserID:                "u-1",
				UserLabel:             "Alex",
				Permissions:           []string{"laser"},
				SesAuthEncKey:         "00112233445566778899aabbccddeeff",
				SesAuthMacKey:         "ffeeddccbbaa99887766554433221100",
				TransactionIdentifier: "0a0b0c0d",
				PiccCapabilities:      "000000000000",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	resp, err := waitReady(t, c.CompleteAuthentication(
		context.Background(),
		CompleteAuthenticationRequest{SessionID: "s-1"},
	))
	require.NoError(t, err)
	require.NotNil(t, resp.Session)

	enc, mac, ti, err := resp.Session.DecodeKeys()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), enc[0])
	assert.Equal(t, byte(0xff), mac[0])
	assert.Equal(t, [4]byte{0x0a, 0x0b, 0x0c, 0x0d}, ti)
}

func TestDecodeKeysRejectsBadHex(t *testing.T) {
	t.Parallel()

	d := TokenSessionData{
		SesAuthEncKey:         "zz",
		SesAuthMacKey:         "00",
		TransactionIdentifier: "00",
	}
	_, _, _, err := d.DecodeKeys()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorcodes.ErrMalformedResponse))
}
