package security

import (
	"fmt"
	"regexp"
)

// DefaultTokenPattern is the plaintext shape of marketplace OAuth tokens:
// URL-safe and base64 characters with optional padding. It cannot match an
// envelope because ':' is outside the character class.
const DefaultTokenPattern = `^[A-Za-z0-9._~+/-]{16,4096}=*$`

// TokenShape recognizes the external API's plaintext token format.
type TokenShape struct {
	re *regexp.Regexp
}

// NewTokenShape compiles pattern, falling back to DefaultTokenPattern when
// pattern is empty.
func NewTokenShape(pattern string) (*TokenShape, error) {
	if pattern == "" {
		pattern = DefaultTokenPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("security: invalid token pattern: %w", err)
	}
	return &TokenShape{re: re}, nil
}

// MustTokenShape is NewTokenShape for patterns known at compile time.
func MustTokenShape(pattern string) *TokenShape {
	shape, err := NewTokenShape(pattern)
	if err != nil {
		panic(err)
	}
	return shape
}

// Matches reports whether s is a plaintext token. Anything carrying an
// envelope tag is rejected regardless of the configured pattern.
func (t *TokenShape) Matches(s string) bool {
	if ContainsCiphertext(s) {
		return false
	}
	return t.re.MatchString(s)
}
