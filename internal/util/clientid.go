// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// ClientIDLength is the number of digits in a generated client id.
const ClientIDLength = 17

// RandomDigits returns a random numeric string of the specified length.
func RandomDigits(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

// NewClientID returns a fresh random client id.
func NewClientID() string {
	return RandomDigits(ClientIDLength)
}

// NewSessionTag returns a short random tag used to prefix per-session log
// lines, e.g. "3f2a9c1d".
func NewSessionTag() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
