// Package gateway implements the on-premises link between embedded
// terminals and the cloud authority. Terminals speak length-framed TCP with
// an ASCON-128 AEAD payload; the gateway terminates the encryption and
// forwards the inner request to the authority over HTTP.
package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/cipher/ascon"
)

// Frame layout: deviceID (8) || nonce (16) || ciphertext+tag.
const (
	DeviceIDSize = 8
	NonceSize    = ascon.NonceSize
	TagSize      = ascon.TagSize
	KeySize      = ascon.KeySize

	minFrameSize = DeviceIDSize + NonceSize + TagSize
)

// Forward is the inner message a terminal sends through the gateway.
type Forward struct {
	RequestID string          `json:"requestId"`
	Endpoint  string          `json:"endpoint"`
	Payload   json.RawMessage `json:"payload"`
}

// ForwardResponse is the gateway's answer to a Forward.
type ForwardResponse struct {
	RequestID string          `json:"requestId"`
	Status    int             `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// KeyStore derives and caches per-device transport keys from the gateway
// master secret: key = SHA-256(master || deviceID)[:16].
type KeyStore struct {
	master []byte

	mu    sync.Mutex
	cache map[[DeviceIDSize]byte][]byte
}

// NewKeyStore creates a key store over the given master secret.
func NewKeyStore(master []byte) *KeyStore {
	return &KeyStore{
		master: master,
		cache:  make(map[[DeviceIDSize]byte][]byte),
	}
}

// Key returns the transport key for a device.
func (k *KeyStore) Key(deviceID [DeviceIDSize]byte) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.cache[deviceID]; ok {
		return key
	}

	h := sha256.New()
	h.Write(k.master)
	h.Write(deviceID[:])
	key := h.Sum(nil)[:KeySize]
	k.cache[deviceID] = key

	return key
}

// Seal encrypts a plaintext into a transport frame under the device key.
// The device ID rides in clear as associated data.
func Seal(key []byte, deviceID [DeviceIDSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := ascon.New(key, ascon.Ascon128)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	frame := make([]byte, 0, DeviceIDSize+NonceSize+len(plaintext)+TagSize)
	frame = append(frame, deviceID[:]...)
	frame = append(frame, nonce...)
	frame = aead.Seal(frame, nonce, plaintext, deviceID[:])

	return frame, nil
}

// Open authenticates and decrypts a transport frame, returning the sending
// device ID and the plaintext. Any tampering fails authentication.
func Open(keys *KeyStore, frame []byte) ([DeviceIDSize]byte, []byte, error) {
	var deviceID [DeviceIDSize]byte

	if len(frame) < minFrameSize {
		return deviceID, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	copy(deviceID[:], frame[:DeviceIDSize])
	nonce := frame[DeviceIDSize : DeviceIDSize+NonceSize]
	ciphertext := frame[DeviceIDSize+NonceSize:]

	aead, err := ascon.New(keys.Key(deviceID), ascon.Ascon128)
	if err != nil {
		return deviceID, nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, deviceID[:])
	if err != nil {
		return deviceID, nil, fmt.Errorf("frame authentication failed: %w", err)
	}

	return deviceID, plaintext, nil
}
