// Package security holds the credential-at-rest primitives: the encryption
// envelope used for stored marketplace tokens, the shape checks that tell a
// plaintext token from an envelope, and the outbound transport guard that
// refuses to send an envelope over the network.
package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvelopePrefix tags every value produced by EnvelopeSealer. Stored token
// columns carry a CHECK constraint on this prefix.
const EnvelopePrefix = "enc:v1:"

// envelopeMarker matches any envelope version, so older or newer envelopes
// are still recognized as ciphertext.
var envelopeMarker = regexp.MustCompile(`enc:v[0-9]+:`)

var (
	// ErrMalformedEnvelope is returned when a value is not a decodable envelope.
	ErrMalformedEnvelope = errors.New("security: malformed envelope")
	// ErrEnvelopeAuth is returned when the AEAD tag does not verify (wrong key
	// or tampered ciphertext).
	ErrEnvelopeAuth = errors.New("security: envelope authentication failed")
)

// Sealer encrypts and decrypts token values at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(envelope string) (string, error)
}

// EnvelopeSealer implements Sealer with XChaCha20-Poly1305. Envelope layout:
//
//	enc:v1:<base64url(nonce || ciphertext || tag)>
type EnvelopeSealer struct {
	key []byte
}

// NewEnvelopeSealer builds a sealer from a base64 (std or url) encoded
// 32-byte key.
func NewEnvelopeSealer(encodedKey string) (*EnvelopeSealer, error) {
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("security: envelope key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &EnvelopeSealer{key: key}, nil
}

func decodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			return key, nil
		}
	}
	return nil, errors.New("security: envelope key is not valid base64")
}

// Seal encrypts plaintext into an envelope with a fresh random nonce.
func (s *EnvelopeSealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("security: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EnvelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts an envelope. Unlike permissive decrypt helpers it never
// returns its input on failure.
func (s *EnvelopeSealer) Open(envelope string) (string, error) {
	if !strings.HasPrefix(envelope, EnvelopePrefix) {
		return "", ErrMalformedEnvelope
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(envelope, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("security: init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedEnvelope
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrEnvelopeAuth
	}
	return string(plaintext), nil
}

// LooksLikeCiphertext reports whether s starts with an envelope tag.
func LooksLikeCiphertext(s string) bool {
	loc := envelopeMarker.FindStringIndex(strings.TrimSpace(s))
	return loc != nil && loc[0] == 0
}

// ContainsCiphertext reports whether an envelope tag appears anywhere in s.
func ContainsCiphertext(s string) bool {
	return envelopeMarker.MatchString(s)
}
