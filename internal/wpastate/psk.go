package wpastate

import (
	"crypto/sha1" //nolint:gosec // PBKDF2-HMAC-SHA1 is the wpa_supplicant PSK derivation, not a signature scheme
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// HashPSK pre-hashes a plaintext PSK with PBKDF2-HMAC-SHA1 over ssid as
// salt, 4096 iterations, 32 bytes output, rendered as 64 hex characters
// (spec.md 4.H "PSK hashing (optional)").
func HashPSK(ssid, plaintext string) string {
	key := pbkdf2.Key([]byte(plaintext), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
