// Package ntag424 implements the cryptographic half of the NTAG 424 DNA
// EV2 mutual authentication protocol: the challenge/response steps run by
// the cloud authority, session key derivation from the exchanged randoms,
// the matching tag-side responses (used by the software tag and tests), and
// the SDM/SUN tap-to-checkout verification path.
package ntag424

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/offenewerkstatt/maco/pkg/cmac"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16
	// RandomSize is the size of RndA and RndB.
	RandomSize = 16
	// ChallengeSize is the size of the encrypted tag challenge (RndB).
	ChallengeSize = 16
	// CloudChallengeSize is the size of the encrypted RndA||RndB' value.
	CloudChallengeSize = 32
	// ResponseSize is the size of the encrypted tag response
	// (TI || RndA' || PDcap2 || PCDcap2).
	ResponseSize = 32

	// TISize is the transaction identifier size.
	TISize = 4
	// CapSize is the size of the PDcap2/PCDcap2 capability fields.
	CapSize = 6
)

// SessionKeys holds the two AES-128 keys derived from a completed
// mutual authentication.
type SessionKeys struct {
	// Enc is SesAuthEncKey, the session encryption key.
	Enc [KeySize]byte
	// Mac is SesAuthMACKey, the session MAC key.
	Mac [KeySize]byte
}

// ErrRndAVerification is returned when the rotated RndA echoed by the tag
// does not match the RndA the authority generated. This equality check is
// the authenticity guarantee of the 3-pass protocol; callers must treat it
// as a hard failure.
var ErrRndAVerification = errors.New("ntag424: RndA' verification failed")

// CBCEncrypt performs AES-128-CBC encryption with a zero IV and no padding,
// the block mode used throughout the EV2 handshake.
func CBCEncrypt(key, plaintext []byte) ([]byte, error) {
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cbc encrypt: input %d bytes not block aligned", len(plaintext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}

	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plaintext)

	return out, nil
}

// CBCDecrypt performs AES-128-CBC decryption with a zero IV and no padding.
func CBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cbc decrypt: input %d bytes not block aligned", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, ciphertext)

	return out, nil
}

// RotateLeft1 returns the input rotated left by one byte.
func RotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]

	return out
}

// VerifyRndAPrime reports whether rndAPrime equals rndA rotated left by one
// byte. Both inputs must be 16 bytes.
func VerifyRndAPrime(rndA, rndAPrime []byte) bool {
	if len(rndA) != RandomSize || len(rndAPrime) != RandomSize {
		return false
	}
	for i := 0; i < RandomSize-1; i++ {
		if rndAPrime[i] != rndA[i+1] {
			return false
		}
	}

	return rndAPrime[RandomSize-1] == rndA[0]
}

// calculateSV assembles a 32-byte session vector. The byte layout is a
// protocol constant from the NTAG 424 data sheet:
//
//	SV = b0 b1 || 00 01 00 80 || RndA[0:2] ||
//	     (RndA[2:8] XOR RndB[0:6]) || RndB[6:16] || RndA[8:16]
func calculateSV(b0, b1 byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0] = b0
	sv[1] = b1
	sv[2] = 0x00
	sv[3] = 0x01
	sv[4] = 0x00
	sv[5] = 0x80

	copy(sv[6:8], rndA[0:2])
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])

	return sv
}

// CalculateSV1 builds the session vector for SesAuthEncKey (prefix A5 5A).
func CalculateSV1(rndA, rndB []byte) []byte {
	return calculateSV(0xA5, 0x5A, rndA, rndB)
}

// CalculateSV2 builds the session vector for SesAuthMACKey (prefix 5A A5).
func CalculateSV2(rndA, rndB []byte) []byte {
	return calculateSV(0x5A, 0xA5, rndA, rndB)
}

// DeriveSessionKeys derives SesAuthEncKey and SesAuthMACKey from the
// authentication key and both exchanged randoms:
//
//	SesAuthEncKey = AES-CMAC(authKey, SV1)
//	SesAuthMACKey = AES-CMAC(authKey, SV2)
func DeriveSessionKeys(authKey, rndA, rndB []byte) (SessionKeys, error) {
	var keys SessionKeys

	if len(authKey) != KeySize {
		return keys, fmt.Errorf("auth key must be %d bytes, got %d", KeySize, len(authKey))
	}
	if len(rndA) != RandomSize || len(rndB) != RandomSize {
		return keys, fmt.Errorf(
			"randoms must be %d bytes, got %d and %d",
			RandomSize,
			len(rndA),
			len(rndB),
		)
	}

	enc, err := cmac.Sum(authKey, CalculateSV1(rndA, rndB))
	if err != nil {
		return keys, fmt.Errorf("derive SesAuthEncKey: %w", err)
	}
	mac, err := cmac.Sum(authKey, CalculateSV2(rndA, rndB))
	if err != nil {
		return keys, fmt.Errorf("derive SesAuthMACKey: %w", err)
	}

	copy(keys.Enc[:], enc)
	copy(keys.Mac[:], mac)

	return keys, nil
}
