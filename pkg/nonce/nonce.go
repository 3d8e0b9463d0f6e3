// Package nonce produces the unguessable tokens used for state, nonce and
// session identifiers.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const DefaultBits = 256

type Source interface {
	Token() (string, error)
}

// RandomSource reads from Reader, crypto/rand when nil.
type RandomSource struct {
	Reader io.Reader
	Bits   int
}

func NewRandomSource() *RandomSource {
	return &RandomSource{Reader: rand.Reader, Bits: DefaultBits}
}

func (s *RandomSource) Token() (string, error) {
	bits := s.Bits
	if bits <= 0 {
		bits = DefaultBits
	}
	reader := s.Reader
	if reader == nil {
		reader = rand.Reader
	}

	randomBytes := make([]byte, (bits+7)/8)
	if _, err := io.ReadFull(reader, randomBytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
