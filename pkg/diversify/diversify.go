// Package diversify derives per-tag AES-128 keys from a master secret
// following NXP Application Note AN10922.
//
// Each NTAG 424 DNA key slot has a fixed 3-byte purpose identifier that is
// mixed into the diversification input together with the 7-byte tag UID and
// the system name. The purpose identifiers are not secret.
package diversify

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/offenewerkstatt/maco/pkg/cmac"
)

// KeyPurpose selects the key slot a diversified key is derived for.
type KeyPurpose int

const (
	// KeyApplication is the NTAG application master key (slot 0).
	KeyApplication KeyPurpose = iota
	// KeyTerminal authenticates the terminal against the tag (slot 1).
	KeyTerminal
	// KeyAuthorization is used for the cloud mutual authentication (slot 2).
	KeyAuthorization
	// KeyReserved1 is provisioned but unused (slot 3).
	KeyReserved1
	// KeyReserved2 is the SDM MAC key (slot 4).
	KeyReserved2
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16
	// UIDSize is the NTAG 424 UID size in bytes.
	UIDSize = 7

	// divConstant marks an AES-128 diversification input per AN10922.
	divConstant = 0x01
	// maxInputLen is the diversification input capacity after the constant.
	maxInputLen = 31
)

// purposeIDs maps each key purpose to its fixed diversification identifier.
var purposeIDs = map[KeyPurpose][3]byte{
	KeyApplication:   {0x00, 0x00, 0x01},
	KeyTerminal:      {0x00, 0x00, 0x02},
	KeyAuthorization: {0x00, 0x00, 0x03},
	KeyReserved1:     {0x00, 0x00, 0x04},
	KeyReserved2:     {0x00, 0x00, 0x05},
}

// String returns the canonical key slot name.
func (p KeyPurpose) String() string {
	switch p {
	case KeyApplication:
		return "application"
	case KeyTerminal:
		return "terminal"
	case KeyAuthorization:
		return "authorization"
	case KeyReserved1:
		return "reserved1"
	case KeyReserved2:
		return "reserved2"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// Purposes lists all key purposes in slot order.
func Purposes() []KeyPurpose {
	return []KeyPurpose{
		KeyApplication,
		KeyTerminal,
		KeyAuthorization,
		KeyReserved1,
		KeyReserved2,
	}
}

// Key derives the diversified key for the given purpose.
func Key(masterKey []byte, systemName string, tagUID []byte, purpose KeyPurpose) ([]byte, error) {
	id, ok := purposeIDs[purpose]
	if !ok {
		return nil, fmt.Errorf("unknown key purpose %d", int(purpose))
	}

	return KeyWithPurposeID(masterKey, systemName, tagUID, id)
}

// KeyWithPurposeID derives a diversified key with an explicit 3-byte purpose
// identifier. Exposed separately so the AN10922 reference vector (which uses
// identifier 3042F5) stays testable.
func KeyWithPurposeID(
	masterKey []byte,
	systemName string,
	tagUID []byte,
	purposeID [3]byte,
) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if len(tagUID) != UIDSize {
		return nil, fmt.Errorf("tag UID must be %d bytes, got %d", UIDSize, len(tagUID))
	}

	divInput := make([]byte, 0, maxInputLen)
	divInput = append(divInput, tagUID...)
	divInput = append(divInput, purposeID[:]...)
	divInput = append(divInput, []byte(systemName)...)

	if len(divInput) > maxInputLen {
		return nil, fmt.Errorf(
			"diversification input %d bytes exceeds %d",
			len(divInput),
			maxInputLen,
		)
	}

	// Build the 32-byte CMAC input: constant || input || 0x80-padding.
	hasPadding := len(divInput) < maxInputLen
	cmacInput := make([]byte, 1+maxInputLen)
	cmacInput[0] = divConstant
	copy(cmacInput[1:], divInput)
	if hasPadding {
		cmacInput[1+len(divInput)] = 0x80
	}

	// Fold the CMAC subkey into the final block: K1 when the input filled
	// the buffer exactly, K2 when it was padded.
	k1, k2, err := cmac.Subkeys(masterKey)
	if err != nil {
		return nil, err
	}
	subkey := k1
	if hasPadding {
		subkey = k2
	}
	for i := 0; i < cmac.BlockSize; i++ {
		cmacInput[16+i] ^= subkey[i]
	}

	// The diversified key is the last CBC ciphertext block, i.e. the CMAC
	// of the unpadded diversification input.
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}
	out := make([]byte, len(cmacInput))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, cmacInput)

	return out[16:32], nil
}

// Keys derives the diversified keys for every purpose of a tag.
func Keys(masterKey []byte, systemName string, tagUID []byte) (map[KeyPurpose][]byte, error) {
	keys := make(map[KeyPurpose][]byte, len(purposeIDs))
	for _, purpose := range Purposes() {
		k, err := Key(masterKey, systemName, tagUID, purpose)
		if err != nil {
			return nil, fmt.Errorf("diversify %s key: %w", purpose, err)
		}
		keys[purpose] = k
	}

	return keys, nil
}
