//nolint:all // test package
package diversify

import (
	"encoding/hex"
	"strings"
	"testing"
)

// NXP AN10922 Section 2.2.1 reference vector.
func TestKeyWithPurposeIDAN10922Vector(t *testing.T) {
	t.Parallel()

	masterKey, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	uid, _ := hex.DecodeString("04782E21801D80")

	// "NXP Abu" in ASCII (4E585020416275).
	systemName := "NXP Abu"

	got, err := KeyWithPurposeID(masterKey, systemName, uid, [3]byte{0x30, 0x42, 0xF5})
	if err != nil {
		t.Fatalf("KeyWithPurposeID() error = %v", err)
	}

	want := "a8dd63a3b89d54b37ca802473fda9175"
	if gotHex := strings.ToLower(hex.EncodeToString(got)); gotHex != want {
		t.Errorf("KeyWithPurposeID() = %v, want %v", gotHex, want)
	}
}

func TestKeyPurposesProduceDistinctKeys(t *testing.T) {
	t.Parallel()

	masterKey, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	uid, _ := hex.DecodeString("04C339AA1E1890")

	keys, err := Keys(masterKey, "OwwMachineAuth", uid)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}

	if len(keys) != 5 {
		t.Fatalf("Keys() returned %d keys, want 5", len(keys))
	}

	seen := make(map[string]KeyPurpose)
	for purpose, key := range keys {
		if len(key) != KeySize {
			t.Errorf("%s key has length %d, want %d", purpose, len(key), KeySize)
		}
		h := hex.EncodeToString(key)
		if prev, dup := seen[h]; dup {
			t.Errorf("%s and %s derived identical keys", purpose, prev)
		}
		seen[h] = purpose
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	masterKey, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F")
	uid, _ := hex.DecodeString("04C339AA1E1890")

	a, err := Key(masterKey, "OwwMachineAuth", uid, KeyAuthorization)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	b, err := Key(masterKey, "OwwMachineAuth", uid, KeyAuthorization)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	if hex.EncodeToString(a) != hex.EncodeToString(b) {
		t.Error("Key() is not deterministic")
	}
}

func TestKeyInputValidation(t *testing.T) {
	t.Parallel()

	masterKey, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	uid, _ := hex.DecodeString("04C339AA1E1890")

	tests := []struct {
		name   string
		master []byte
		system string
		uid    []byte
	}{
		{name: "short master key", master: masterKey[:8], system: "x", uid: uid},
		{name: "short uid", master: masterKey, system: "x", uid: uid[:3]},
		{
			name:   "system name overflows input",
			master: masterKey,
			system: strings.Repeat("A", 32),
			uid:    uid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Key(tt.master, tt.system, tt.uid, KeyApplication); err == nil {
				t.Error("Key() should have failed")
			}
		})
	}
}
