package tokens

import (
	"crypto/rand"
	"errors"
)

// TokenLength is the length of generated access tokens.
const TokenLength = 64

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns n random alphanumeric characters from crypto/rand.
func Generate(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("tokens: length must be positive")
	}
	// Bytes >= 248 are rejected so every symbol is equally likely
	// (248 = 4 * 62).
	const limit = 248
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
