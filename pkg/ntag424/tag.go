package ntag424

import (
	"crypto/rand"
	"fmt"
	"io"
)

// TagChallenge is the tag-side state created by the first handshake step.
type TagChallenge struct {
	// Encrypted is E(key, RndB), the challenge handed to the authority.
	Encrypted []byte
	// RndB is the tag random; kept until the handshake completes.
	RndB []byte
}

// TagBeginAuth runs the tag half of the first 3-pass step: generate RndB and
// encrypt it under the slot key. Real tags do this inside the secure element;
// this implementation backs the software tag and the protocol tests.
func TagBeginAuth(key []byte) (*TagChallenge, error) {
	return TagBeginAuthWithRand(key, rand.Reader)
}

// TagBeginAuthWithRand is TagBeginAuth with an explicit random source.
func TagBeginAuthWithRand(key []byte, random io.Reader) (*TagChallenge, error) {
	rndB := make([]byte, RandomSize)
	if _, err := io.ReadFull(random, rndB); err != nil {
		return nil, fmt.Errorf("generate RndB: %w", err)
	}

	encrypted, err := CBCEncrypt(key, rndB)
	if err != nil {
		return nil, fmt.Errorf("encrypt RndB: %w", err)
	}

	return &TagChallenge{Encrypted: encrypted, RndB: rndB}, nil
}

// TagRespond runs the tag half of the final step: decrypt the authority's
// challenge, check the rotated RndB echo, and produce the encrypted
// TI || rot1(RndA) || PDcap2 || PCDcap2 response. The returned rndA lets the
// tag derive the same session keys as the authority.
func TagRespond(
	key []byte,
	challenge *TagChallenge,
	cloudChallenge []byte,
	ti [TISize]byte,
	pdCap2, pcdCap2 [CapSize]byte,
) (response, rndA []byte, err error) {
	if len(cloudChallenge) != CloudChallengeSize {
		return nil, nil, fmt.Errorf(
			"cloud challenge must be %d bytes, got %d",
			CloudChallengeSize,
			len(cloudChallenge),
		)
	}

	plain, err := CBCDecrypt(key, cloudChallenge)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt cloud challenge: %w", err)
	}

	rndA = plain[0:RandomSize]
	rndBEcho := plain[RandomSize:]
	if !VerifyRndAPrime(challenge.RndB, rndBEcho) {
		return nil, nil, fmt.Errorf("ntag424: RndB' verification failed")
	}

	out := make([]byte, 0, ResponseSize)
	out = append(out, ti[:]...)
	out = append(out, RotateLeft1(rndA)...)
	out = append(out, pdCap2[:]...)
	out = append(out, pcdCap2[:]...)

	response, err = CBCEncrypt(key, out)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt tag response: %w", err)
	}

	return response, rndA, nil
}
