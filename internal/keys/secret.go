package keys

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// SecretPrefix starts every issued secret.
const SecretPrefix = "rfsk_"

// SecretLength is the total length of an issued secret.
const SecretLength = len(SecretPrefix) + secretBodyLength

const (
	secretBodyLength = 48
	secretAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	// Bytes at or above this are rejected so every alphabet index is equally
	// likely (248 = 4 * 62).
	rejectionLimit = 256 - 256%len(secretAlphabet)
)

// GenerateSecret returns SecretPrefix followed by 48 characters drawn
// uniformly from [A-Za-z0-9] using crypto/rand.
func GenerateSecret() (string, error) {
	return generateSecret(rand.Reader)
}

func generateSecret(r io.Reader) (string, error) {
	var b strings.Builder
	b.Grow(SecretLength)
	b.WriteString(SecretPrefix)

	buf := make([]byte, secretBodyLength+secretBodyLength/4)
	for n := 0; n < secretBodyLength; {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("generating secret: %w", err)
		}
		for _, c := range buf {
			if int(c) >= rejectionLimit {
				continue
			}
			b.WriteByte(secretAlphabet[int(c)%len(secretAlphabet)])
			n++
			if n == secretBodyLength {
				break
			}
		}
	}
	return b.String(), nil
}

// LooksLikeSecret reports whether s has the shape of an issued secret.
func LooksLikeSecret(s string) bool {
	if len(s) != SecretLength || !strings.HasPrefix(s, SecretPrefix) {
		return false
	}
	for i := len(SecretPrefix); i < len(s); i++ {
		if strings.IndexByte(secretAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return id.String(), nil
}

// secretsEqual compares in constant time for equal-length inputs.
func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
