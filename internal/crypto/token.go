package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// NewOpaqueToken returns a 128-bit random URL-safe token.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewVerificationCode returns an 8-digit numeric code, uniform in
// [10000000, 99999999].
func NewVerificationCode() (string, error) {
	const min, max = 10000000, 99999999
	span := uint64(max - min + 1)
	// Rejection sampling keeps the distribution uniform.
	limit := (^uint64(0) / span) * span
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		val := binary.BigEndian.Uint64(buf[:])
		if val >= limit {
			continue
		}
		return fmt.Sprintf("%d", min+val%span), nil
	}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
