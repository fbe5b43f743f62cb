package ntag424

import (
	"crypto/subtle"
	"fmt"

	"github.com/offenewerkstatt/maco/pkg/cmac"
)

// SDM (Secure Dynamic Messaging) is the tap-to-checkout path: the tag embeds
// an encrypted PICC block and a truncated MAC in a URL on every read. It is
// verified with the terminal key directly and deliberately shares no
// constants with the 3-pass session key derivation.

const (
	// PICCDataSize is the size of the encrypted PICC data block.
	PICCDataSize = 16
	// SDMCounterSize is the size of the little-endian read counter.
	SDMCounterSize = 3
	// SDMMACSize is the size of the truncated SDM MAC.
	SDMMACSize = 8

	// piccDataTag marks a PICC block carrying UID and read counter.
	piccDataTag = 0xC7
)

// PICCData is the decrypted content of an SDM PICC block.
type PICCData struct {
	// UID is the 7-byte tag UID.
	UID [7]byte
	// ReadCounter is the SDM read counter (24-bit, stored little-endian).
	ReadCounter uint32
}

// CounterLE returns the read counter in its 3-byte little-endian wire form.
func (p PICCData) CounterLE() [SDMCounterSize]byte {
	return [SDMCounterSize]byte{
		byte(p.ReadCounter),
		byte(p.ReadCounter >> 8),
		byte(p.ReadCounter >> 16),
	}
}

// DecryptPICCData decrypts a 16-byte PICC block (AES-128-CBC, zero IV) and
// extracts UID and read counter. The leading data tag must announce both
// fields; anything else is a malformed or foreign block.
func DecryptPICCData(key, picc []byte) (*PICCData, error) {
	if len(picc) != PICCDataSize {
		return nil, fmt.Errorf("PICC data must be %d bytes, got %d", PICCDataSize, len(picc))
	}

	plain, err := CBCDecrypt(key, picc)
	if err != nil {
		return nil, fmt.Errorf("decrypt PICC data: %w", err)
	}

	if plain[0] != piccDataTag {
		return nil, fmt.Errorf("unexpected PICC data tag 0x%02X", plain[0])
	}

	data := &PICCData{}
	copy(data.UID[:], plain[1:8])
	data.ReadCounter = uint32(plain[8]) | uint32(plain[9])<<8 | uint32(plain[10])<<16

	return data, nil
}

// EncryptPICCData builds an encrypted PICC block; used by the software tag.
func EncryptPICCData(key []byte, data PICCData) ([]byte, error) {
	plain := make([]byte, PICCDataSize)
	plain[0] = piccDataTag
	copy(plain[1:8], data.UID[:])
	ctr := data.CounterLE()
	copy(plain[8:11], ctr[:])

	return CBCEncrypt(key, plain)
}

// DeriveSDMMACKey derives the SDM MAC session key from the terminal key,
// tag UID and read counter:
//
//	SV = 3C C3 00 01 00 80 || UID(7) || Counter_LE(3)
//	SesSDMFileReadMACKey = AES-CMAC(key, SV)
func DeriveSDMMACKey(key []byte, uid [7]byte, counterLE [SDMCounterSize]byte) ([]byte, error) {
	sv := make([]byte, 0, 16)
	sv = append(sv, 0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80)
	sv = append(sv, uid[:]...)
	sv = append(sv, counterLE[:]...)

	return cmac.Sum(key, sv)
}

// ComputeSDMMAC computes the 8-byte truncated SDM MAC over UID || counter.
// Truncation keeps the odd-indexed bytes of the full CMAC.
func ComputeSDMMAC(key []byte, data PICCData) ([]byte, error) {
	ctr := data.CounterLE()
	sessionKey, err := DeriveSDMMACKey(key, data.UID, ctr)
	if err != nil {
		return nil, fmt.Errorf("derive SDM MAC key: %w", err)
	}

	input := make([]byte, 0, len(data.UID)+SDMCounterSize)
	input = append(input, data.UID[:]...)
	input = append(input, ctr[:]...)

	full, err := cmac.Sum(sessionKey, input)
	if err != nil {
		return nil, fmt.Errorf("compute SDM MAC: %w", err)
	}

	mac := make([]byte, SDMMACSize)
	for i := 0; i < SDMMACSize; i++ {
		mac[i] = full[1+i*2]
	}

	return mac, nil
}

// VerifySDMMAC checks a truncated SDM MAC in constant time.
func VerifySDMMAC(key []byte, data PICCData, mac []byte) (bool, error) {
	if len(mac) != SDMMACSize {
		return false, fmt.Errorf("SDM MAC must be %d bytes, got %d", SDMMACSize, len(mac))
	}

	expected, err := ComputeSDMMAC(key, data)
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(expected, mac) == 1, nil
}
