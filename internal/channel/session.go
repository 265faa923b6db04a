package channel

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	mesherr "github.com/gezibash/arc-mesh/pkg/errors"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var ErrInvalidSession = errors.New("channel: invalid session blob")

// Session is the per-connection state an auth hook produces. It is passed
// to every later hook and handler for that connection and must be treated
// as read-only once issued.
type Session struct {
	ID     string            `json:"id"`
	Values map[string]string `json:"values,omitempty"`
}

// NewSession mints a session with a fresh id.
func NewSession(values map[string]string) *Session {
	return &Session{ID: uuid.NewString(), Values: values}
}

// Get returns a session value, or "".
func (s *Session) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.Values[key]
}

// Sealer turns sessions into opaque blobs clients hand back on reconnect.
type Sealer struct {
	key [KeySize]byte
}

// NewSealer uses a 32-byte secret key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", mesherr.ErrConfig, KeySize, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// GenerateKey returns a random session key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts sess into a URL-safe blob.
func (s *Sealer) Seal(sess *Session) (string, error) {
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Tampered, truncated or foreign blobs fail with
// ErrInvalidSession.
func (s *Sealer) Open(blob string) (*Session, error) {
	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrInvalidSession)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrInvalidSession
	}
	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return &sess, nil
}
