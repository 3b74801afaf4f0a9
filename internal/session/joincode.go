package session

import (
	crand "crypto/rand"
	"fmt"
)

const (
	joinCodeLen      = 6
	joinCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// newJoinCode generates a short human-typeable code. Uniqueness is enforced
// by the repository; the caller retries on collision.
func newJoinCode() (string, error) {
	buf := make([]byte, joinCodeLen)
	if _, err := crand.Read(buf); err != nil {
		return "", fmt.Errorf("read random join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}
