package nfc

import (
	"fmt"

	"github.com/ebfe/scard"
)

// PCSCReader drives a desktop PC/SC reader (e.g. an ACR122U) so the terminal
// can run against real NTAG424 hardware during development.
type PCSCReader struct {
	ctx    *scard.Context
	reader string
	card   *scard.Card
	tag    *pcscTag
}

// OpenPCSC connects to the PC/SC reader at the given index.
func OpenPCSC(readerIndex int) (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		_ = ctx.Release()

		return nil, fmt.Errorf("no readers found: %w", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		_ = ctx.Release()

		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	return &PCSCReader{ctx: ctx, reader: readers[readerIndex]}, nil
}

// Detect implements Reader. It connects to a card when one enters the field
// and drops the connection when it leaves.
func (r *PCSCReader) Detect() (Tag, error) {
	if r.card != nil {
		// A failing status means the card left the field.
		if _, err := r.card.Status(); err != nil {
			_ = r.card.Disconnect(scard.ResetCard)
			r.card = nil
			r.tag = nil

			return nil, nil
		}

		return r.tag, nil
	}

	card, err := r.ctx.Connect(r.reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		// No card present is the normal empty-field case.
		return nil, nil
	}

	uid, err := readUID(card)
	if err != nil {
		_ = card.Disconnect(scard.ResetCard)

		return nil, nil
	}
	if err := selectNDEFApp(card); err != nil {
		_ = card.Disconnect(scard.ResetCard)

		return nil, fmt.Errorf("select application: %w", err)
	}

	r.card = card
	r.tag = &pcscTag{card: card, uid: uid}

	return r.tag, nil
}

// Close implements Reader.
func (r *PCSCReader) Close() error {
	if r.card != nil {
		_ = r.card.Disconnect(scard.LeaveCard)
		r.card = nil
	}
	if r.ctx != nil {
		return r.ctx.Release()
	}

	return nil
}

// pcscTag speaks the DNA wrapped-APDU framing over a connected card.
type pcscTag struct {
	card *scard.Card
	uid  [7]byte
}

func (t *pcscTag) UID() [7]byte { return t.uid }

// AuthenticateBegin issues AuthenticateEV2First part 1 (INS 0x71).
func (t *pcscTag) AuthenticateBegin(keySlot byte) ([]byte, error) {
	apdu := []byte{0x90, 0x71, 0x00, 0x00, 0x02, keySlot, 0x00, 0x00}
	data, status, err := transmit(t.card, apdu)
	if err != nil {
		return nil, err
	}
	if status != StatusAdditionalFrame {
		return nil, StatusError{Status: status}
	}
	if len(data) != 16 {
		return nil, fmt.Errorf("challenge length %d, want 16", len(data))
	}

	return data, nil
}

// AuthenticatePart2 issues the additional frame (INS 0xAF) carrying the
// authority's encrypted challenge.
func (t *pcscTag) AuthenticatePart2(cloudChallenge []byte) ([]byte, error) {
	apdu := make([]byte, 0, 5+len(cloudChallenge)+1)
	apdu = append(apdu, 0x90, 0xAF, 0x00, 0x00, byte(len(cloudChallenge)))
	apdu = append(apdu, cloudChallenge...)
	apdu = append(apdu, 0x00)

	data, status, err := transmit(t.card, apdu)
	if err != nil {
		return nil, err
	}
	if status != StatusOK {
		return nil, StatusError{Status: status}
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("response length %d, want 32", len(data))
	}

	return data, nil
}

// transmit sends a wrapped APDU and splits the DNA status byte off the
// 0x91xx status word.
func transmit(card *scard.Card, apdu []byte) ([]byte, Status, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, fmt.Errorf("transmit: %w", err)
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(resp))
	}

	sw1 := resp[len(resp)-2]
	sw2 := resp[len(resp)-1]
	if sw1 != 0x91 && !(sw1 == 0x90 && sw2 == 0x00) {
		return nil, 0, fmt.Errorf("unexpected status word %02X%02X", sw1, sw2)
	}

	return resp[:len(resp)-2], Status(sw2), nil
}

// readUID issues the PC/SC GET DATA pseudo-APDU.
func readUID(card *scard.Card) ([7]byte, error) {
	var uid [7]byte

	resp, err := card.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return uid, fmt.Errorf("get UID: %w", err)
	}
	if len(resp) < 9 || resp[len(resp)-2] != 0x90 {
		return uid, fmt.Errorf("get UID failed")
	}
	copy(uid[:], resp[:7])

	return uid, nil
}

// selectNDEFApp selects the type 4 tag application that hosts the DNA keys.
func selectNDEFApp(card *scard.Card) error {
	aid := []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
	apdu := []byte{0x00, 0xA4, 0x04, 0x00, byte(len(aid))}
	apdu = append(apdu, aid...)
	apdu = append(apdu, 0x00)

	resp, err := card.Transmit(apdu)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[len(resp)-2] != 0x90 {
		return fmt.Errorf("SELECT failed")
	}

	return nil
}
