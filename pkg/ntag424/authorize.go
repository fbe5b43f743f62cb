package ntag424

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Step1Result is the authority-side outcome of the first authorization step.
type Step1Result struct {
	// Encrypted is the 32-byte cloud challenge sent back to the tag:
	// E(key, RndA || rot1(RndB)).
	Encrypted []byte
	// RndA is the authority-generated random. It must be retained for
	// AuthorizeStep2 and discarded afterwards.
	RndA []byte
	// RndB is the tag random recovered from the challenge. Needed for
	// session key derivation after step 2 succeeds.
	RndB []byte
}

// Step2Result is the authority-side outcome of the final authorization step.
type Step2Result struct {
	// TI is the transaction identifier chosen by the tag.
	TI [TISize]byte
	// PDcap2 are the PICC capability bytes.
	PDcap2 [CapSize]byte
	// PCDcap2 are the reader capability bytes echoed by the tag.
	PCDcap2 [CapSize]byte
}

// AuthorizeStep1 runs the authority half of the first 3-pass step: it
// decrypts the tag's encrypted challenge to recover RndB, generates a fresh
// RndA, and produces the encrypted value the tag expects next.
func AuthorizeStep1(key, ntagChallenge []byte) (*Step1Result, error) {
	return AuthorizeStep1WithRand(key, ntagChallenge, rand.Reader)
}

// AuthorizeStep1WithRand is AuthorizeStep1 with an explicit random source
// for deterministic tests.
func AuthorizeStep1WithRand(key, ntagChallenge []byte, random io.Reader) (*Step1Result, error) {
	if len(ntagChallenge) != ChallengeSize {
		return nil, fmt.Errorf(
			"tag challenge must be %d bytes, got %d",
			ChallengeSize,
			len(ntagChallenge),
		)
	}

	rndB, err := CBCDecrypt(key, ntagChallenge)
	if err != nil {
		return nil, fmt.Errorf("decrypt tag challenge: %w", err)
	}

	rndA := make([]byte, RandomSize)
	if _, err := io.ReadFull(random, rndA); err != nil {
		return nil, fmt.Errorf("generate RndA: %w", err)
	}

	plain := make([]byte, 0, CloudChallengeSize)
	plain = append(plain, rndA...)
	plain = append(plain, RotateLeft1(rndB)...)

	encrypted, err := CBCEncrypt(key, plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt cloud challenge: %w", err)
	}

	return &Step1Result{Encrypted: encrypted, RndA: rndA, RndB: rndB}, nil
}

// AuthorizeStep2 runs the authority half of the final 3-pass step: it
// decrypts the tag's 32-byte response and verifies the rotated RndA echo.
// A mismatch returns ErrRndAVerification; callers must never proceed past it.
func AuthorizeStep2(key, encryptedResponse, rndA []byte) (*Step2Result, error) {
	if len(encryptedResponse) != ResponseSize {
		return nil, fmt.Errorf(
			"tag response must be %d bytes, got %d",
			ResponseSize,
			len(encryptedResponse),
		)
	}
	if len(rndA) != RandomSize {
		return nil, fmt.Errorf("RndA must be %d bytes, got %d", RandomSize, len(rndA))
	}

	plain, err := CBCDecrypt(key, encryptedResponse)
	if err != nil {
		return nil, fmt.Errorf("decrypt tag response: %w", err)
	}

	// Layout: TI (4) || RndA' (16) || PDcap2 (6) || PCDcap2 (6).
	rndAPrime := plain[TISize : TISize+RandomSize]
	if !VerifyRndAPrime(rndA, rndAPrime) {
		return nil, ErrRndAVerification
	}

	result := &Step2Result{}
	copy(result.TI[:], plain[0:TISize])
	copy(result.PDcap2[:], plain[TISize+RandomSize:TISize+RandomSize+CapSize])
	copy(result.PCDcap2[:], plain[TISize+RandomSize+CapSize:])

	return result, nil
}
