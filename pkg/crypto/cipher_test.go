package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)

	tests := []string{
		"",
		"hunter2",
		`{"apiKey":"k","secretKey":"s","testnet":true}`,
		strings.Repeat("x", 4096),
	}
	for _, plaintext := range tests {
		sealed, err := c.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if !IsSealed(sealed) {
			t.Fatalf("sealed value missing prefix: %q", sealed)
		}
		got, err := c.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
		}
	}
}

func TestSealProducesUniqueCiphertexts(t *testing.T) {
	c := testCipher(t)
	a, _ := c.Seal("same input")
	b, _ := c.Seal("same input")
	if a == b {
		t.Fatal("two Seal calls produced identical ciphertext; nonce reuse")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	c := testCipher(t)
	sealed, _ := c.Seal("secret")

	tests := []struct {
		name  string
		input string
	}{
		{"no prefix", strings.TrimPrefix(sealed, "enc.v1:")},
		{"not base64", "enc.v1:!!!!"},
		{"truncated", sealed[:len(sealed)-8]},
		{"bit flip", sealed[:len(sealed)-2] + "AA"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Open(tt.input); err == nil {
				t.Fatal("Open accepted corrupted input")
			}
		})
	}
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err != ErrBadKey {
		t.Fatalf("err = %v, want ErrBadKey", err)
	}
}

func TestWrongKeyFailsToOpen(t *testing.T) {
	c := testCipher(t)
	sealed, _ := c.Seal("secret")

	other, err := NewCipher(bytes.Repeat([]byte{0x24}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if _, err := other.Open(sealed); err != ErrDecrypt {
		t.Fatalf("err = %v, want ErrDecrypt", err)
	}
}
