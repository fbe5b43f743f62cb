// Package crypto provides the key ceremony primitives for the AES-128
// master secrets: random generation, XOR component split/combine for
// multi-custodian handling, and key check values.
package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// KCVLength is the number of bytes in a key check value.
	KCVLength = 3
)

// Common errors.
var (
	ErrInvalidKeyLength      = errors.New("invalid key length")
	ErrInvalidHexString      = errors.New("invalid hex string")
	ErrInvalidComponentCount = errors.New("invalid component count")
)

// GenerateKey generates a random AES-128 key.
// Returns the key as a hex string together with its KCV.
func GenerateKey() (string, string, error) {
	keyBytes := make([]byte, KeySize)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random key: %w", err)
	}
	defer cleanBytes(keyBytes)

	kcv, err := CalculateKCV(keyBytes)
	if err != nil {
		return "", "", err
	}

	return hex.EncodeToString(keyBytes), hex.EncodeToString(kcv), nil
}

// SplitKey splits a key into the specified number of XOR components so that
// no single custodian holds the key. The key must be provided as a hex
// string. Returns the components as hex strings and the KCV of the original
// key.
func SplitKey(keyHex string, numComponents int) ([]string, string, error) {
	if numComponents < 2 {
		return nil, "", ErrInvalidComponentCount
	}

	keyBytes, err := decodeKeyHex(keyHex)
	if err != nil {
		return nil, "", err
	}
	defer cleanBytes(keyBytes)

	componentLists := make([][]byte, numComponents)
	for i := range componentLists {
		componentLists[i] = make([]byte, len(keyBytes))
	}

	for i := 0; i < numComponents-1; i++ {
		if _, err := rand.Read(componentLists[i]); err != nil {
			cleanComponentLists(componentLists)

			return nil, "", fmt.Errorf("failed to generate component: %w", err)
		}
	}

	// The last component is whatever XORs the others back to the key.
	copy(componentLists[numComponents-1], keyBytes)
	for i := 0; i < numComponents-1; i++ {
		xorBytes(componentLists[numComponents-1], componentLists[i])
	}

	kcv, err := CalculateKCV(keyBytes)
	if err != nil {
		cleanComponentLists(componentLists)

		return nil, "", err
	}

	components := make([]string, numComponents)
	for i := range components {
		components[i] = hex.EncodeToString(componentLists[i])
	}
	cleanComponentLists(componentLists)

	return components, hex.EncodeToString(kcv), nil
}

// CombineComponents reconstructs a key from its XOR components.
// Components must be provided as hex strings. Returns the reconstructed key
// as a hex string together with its KCV.
func CombineComponents(components []string) (string, string, error) {
	if len(components) < 2 {
		return "", "", ErrInvalidComponentCount
	}

	resultBytes, err := decodeKeyHex(components[0])
	if err != nil {
		return "", "", err
	}
	defer cleanBytes(resultBytes)

	for _, comp := range components[1:] {
		componentBytes, err := decodeKeyHex(comp)
		if err != nil {
			return "", "", err
		}

		xorBytes(resultBytes, componentBytes)
		cleanBytes(componentBytes)
	}

	kcv, err := CalculateKCV(resultBytes)
	if err != nil {
		return "", "", err
	}

	return hex.EncodeToString(resultBytes), hex.EncodeToString(kcv), nil
}

// CalculateKCV calculates the 3-byte key check value of an AES-128 key: the
// leading bytes of the zero block encrypted under the key.
func CalculateKCV(keyBytes []byte) ([]byte, error) {
	if len(keyBytes) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}

	output := make([]byte, aes.BlockSize)
	defer cleanBytes(output)
	block.Encrypt(output, make([]byte, aes.BlockSize))

	kcv := make([]byte, KCVLength)
	copy(kcv, output[:KCVLength])

	return kcv, nil
}

// decodeKeyHex decodes a hex string that must hold exactly one AES-128 key.
func decodeKeyHex(keyHex string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrInvalidHexString
	}
	if len(keyBytes) != KeySize {
		cleanBytes(keyBytes)

		return nil, ErrInvalidKeyLength
	}

	return keyBytes, nil
}

// xorBytes performs in-place XOR of two byte slices: dst ^= src.
func xorBytes(dst, src []byte) {
	for i := 0; i < len(dst); i++ {
		dst[i] ^= src[i]
	}
}

// cleanBytes overwrites a byte slice with zeros.
func cleanBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// cleanComponentLists cleans up component byte slices.
func cleanComponentLists(components [][]byte) {
	for i := range components {
		cleanBytes(components[i])
	}
}
