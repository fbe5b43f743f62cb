// Package cmac implements AES-CMAC per RFC 4493.
//
// Besides the plain MAC it exposes the K1/K2 subkeys, which the AN10922
// key diversification needs to fold into its final input block.
package cmac

import (
	"crypto/aes"
	"fmt"
)

// BlockSize is the AES block size used throughout (AES-128).
const BlockSize = 16

// Sum computes the AES-CMAC of data under key (16 or 32 bytes for
// AES-128/256). The returned MAC is one full block.
func Sum(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher init failed: %w", err)
	}
	blockSize := block.BlockSize()

	// Generate subkeys k1 and k2 per RFC 4493, Section 2.3.
	zero := make([]byte, blockSize)
	l := make([]byte, blockSize)
	block.Encrypt(l, zero)

	k1 := subkeyGenerate(l)
	k2 := subkeyGenerate(k1)

	dataToProcessInCBC := data
	var lastBlockXORedWithKey []byte

	switch {
	case len(data) == 0:
		// Empty message: pad to one block (0x80 || 0...0) and XOR with K2.
		padded := make([]byte, blockSize)
		padded[0] = 0x80
		lastBlockXORedWithKey = xorBlock(padded, k2)
		dataToProcessInCBC = []byte{}
	case len(data)%blockSize == 0:
		// Complete final block: XOR with K1.
		lastBlockData := data[len(data)-blockSize:]
		lastBlockXORedWithKey = xorBlock(lastBlockData, k1)
		dataToProcessInCBC = data[:len(data)-blockSize]
	default:
		// Partial final block: pad (M_n || 1 || 0...0) and XOR with K2.
		lastPartialBlockLen := len(data) % blockSize

		padded := make([]byte, blockSize)
		copy(padded, data[len(data)-lastPartialBlockLen:])
		padded[lastPartialBlockLen] = 0x80

		lastBlockXORedWithKey = xorBlock(padded, k2)
		dataToProcessInCBC = data[:len(data)-lastPartialBlockLen]
	}

	// CBC-MAC with IV = zero over all but the final block.
	x := make([]byte, blockSize)
	for i := 0; i < len(dataToProcessInCBC); i += blockSize {
		blockIn := xorBlock(x, dataToProcessInCBC[i:i+blockSize])
		block.Encrypt(x, blockIn)
	}

	finalInputToAES := xorBlock(x, lastBlockXORedWithKey)
	block.Encrypt(x, finalInputToAES)

	mac := make([]byte, blockSize)
	copy(mac, x)

	return mac, nil
}

// Subkeys derives the CMAC subkeys K1 and K2 for key.
func Subkeys(key []byte) (k1, k2 []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes cipher init failed: %w", err)
	}

	zero := make([]byte, block.BlockSize())
	l := make([]byte, block.BlockSize())
	block.Encrypt(l, zero)

	k1 = subkeyGenerate(l)
	k2 = subkeyGenerate(k1)

	return k1, k2, nil
}

// subkeyGenerate shifts block left by 1 bit and XORs with Rb if MSB was set.
func subkeyGenerate(b []byte) []byte {
	const rb = 0x87
	n := len(b)
	out := make([]byte, n)
	carry := byte(0)

	for i := n - 1; i >= 0; i-- {
		out[i] = (b[i] << 1) | carry
		carry = (b[i] >> 7) & 0x01
	}

	if (b[0] & 0x80) != 0 {
		out[n-1] ^= rb
	}

	return out
}

// xorBlock XORs two equal-length byte slices.
func xorBlock(a, b []byte) []byte {
	n := len(a)
	out := make([]byte, n)
	for i := range n {
		out[i] = a[i] ^ b[i]
	}

	return out
}
