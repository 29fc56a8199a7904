// Package secrets manages the kernel's audit-signing key material.
package secrets

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidKey is returned when a configured key fails to decode or is too short.
	ErrInvalidKey = errors.New("invalid signing key")

	// pbkdf2Iterations follows the OWASP-recommended floor for PBKDF2-HMAC-SHA256.
	pbkdf2Iterations = 100000
)

// MinKeyBytes is the minimum acceptable length for a raw HMAC signing key.
const MinKeyBytes = 32

// DecodeKey decodes an operator-supplied base64 (unpadded or standard) HMAC
// key. It accepts both encodings because the spec's audit_hmac_key is
// described as "unpadded" but operators commonly paste standard base64.
func DecodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrInvalidKey
	}
	key, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidKey, MinKeyBytes, len(key))
	}
	return key, nil
}

// DeriveKeyFromPassphrase derives a 32-byte signing key from an operator
// passphrase and a fixed, configuration-supplied salt, for deployments that
// prefer a memorable passphrase over a generated base64 secret. The salt must
// be stable across process restarts or every previously-signed audit line
// becomes unverifiable.
func DeriveKeyFromPassphrase(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, 32, sha256.New)
}

// EncodeKey renders a key as unpadded base64, the form spec.md's
// audit_hmac_key expects.
func EncodeKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}
