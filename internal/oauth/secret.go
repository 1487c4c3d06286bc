// secret.go -- Argon2id client secret hashing and verification.
package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonSaltLen = 16
	argonTime    = uint32(3)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(2)
	argonKeyLen  = uint32(32)
)

// secretBytes is the entropy of a generated client secret.
const secretBytes = 32

// dummySecretHash is verified against when the client is unknown, so a
// missing client costs the same as a wrong secret.
var dummySecretHash = mustHashSecret("obol-dummy-client-secret")

// HashSecret returns a PHC-formatted Argon2id hash of secret.
// Format: $argon2id$v=19$m=65536,t=3,p=2$<base64 salt>$<base64 hash>
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// phcHash is a decoded Argon2id PHC string.
type phcHash struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

// parsePHC splits "$argon2id$v=19$m=..,t=..,p=..$salt$key" into its parts.
func parsePHC(encoded string) (*phcHash, error) {
	fields := strings.Split(strings.TrimPrefix(encoded, "$"), "$")
	if len(fields) != 5 || fields[0] != "argon2id" {
		return nil, errors.New("not an argon2id PHC string")
	}
	if fields[1] != fmt.Sprintf("v=%d", argon2.Version) {
		return nil, fmt.Errorf("unsupported argon2 version %q", fields[1])
	}

	var p phcHash
	if _, err := fmt.Sscanf(fields[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, fmt.Errorf("argon2 params %q: %w", fields[2], err)
	}
	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(fields[3]); err != nil {
		return nil, fmt.Errorf("argon2 salt: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return nil, fmt.Errorf("argon2 key: %w", err)
	}
	return &p, nil
}

// VerifySecret reports whether secret matches the stored hash. Cost
// parameters are read back from the hash, so older rows keep verifying
// after the constants change.
func VerifySecret(secret, encodedHash string) (bool, error) {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	derived := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(derived, p.key) == 1, nil
}

// generateSecret returns a random client secret (base64url, no padding).
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// generateClientID returns "client_" followed by 32 hex chars.
func generateClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating client id: %w", err)
	}
	return "client_" + hex.EncodeToString(buf), nil
}

func mustHashSecret(s string) string {
	h, err := HashSecret(s)
	if err != nil {
		panic(err)
	}
	return h
}
