package session

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	base36       = "0123456789abcdefghijklmnopqrstuvwxyz"

	sessionIDLength = 15
	taskIDLength    = 8
)

// NewSessionID returns a random 15-character alphanumeric id.
func NewSessionID() (string, error) {
	return randomString(alphanumeric, sessionIDLength)
}

// NewTaskID returns "t" followed by 8 random base36 characters.
func NewTaskID() (string, error) {
	s, err := randomString(base36, taskIDLength)
	if err != nil {
		return "", err
	}
	return "t" + s, nil
}

// randomString draws n characters uniformly from alphabet, rejecting bytes
// past the largest multiple of len(alphabet).
func randomString(alphabet string, n int) (string, error) {
	limit := 256 - (256 % len(alphabet))
	var b strings.Builder
	b.Grow(n)
	buf := make([]byte, n*2)
	for b.Len() < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			b.WriteByte(alphabet[int(c)%len(alphabet)])
			if b.Len() == n {
				break
			}
		}
	}
	return b.String(), nil
}
