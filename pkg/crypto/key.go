package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/denisbrodbeck/machineid"
)

const keyEnvVar = "BROKER_CORE_KEY"

// LoadKey resolves the credential encryption key, in order of preference:
// an explicit base64 key in BROKER_CORE_KEY, then a key derived from the
// machine identity so each installation encrypts with its own secret. The
// second return value reports the key source for startup logging.
func LoadKey() ([]byte, string, error) {
	if encoded := os.Getenv(keyEnvVar); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", keyEnvVar, err)
		}
		if len(key) != keySize {
			return nil, "", ErrBadKey
		}
		return key, "env", nil
	}

	// machineid.ProtectedID keys an HMAC of the machine ID with the app
	// name, so the raw hardware ID never appears in the key material.
	id, err := machineid.ProtectedID("broker-core")
	if err != nil {
		return nil, "", fmt.Errorf("derive machine key: %w", err)
	}
	sum := sha256.Sum256([]byte(id))
	return sum[:], "machine", nil
}

// GenerateKey returns a fresh random key, base64-encoded for the env var.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
