// ABOUTME: Per-direction AEAD frame sealing for transport links.
// ABOUTME: Keys are derived from the cluster secret via HKDF over handshake nonces.

package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/pulse-mesh/internal/protocol"
)

// frameSealer seals or opens frame bodies for one direction of a link.
// The nonce is a monotonically increasing counter; frames arrive in order on
// the underlying byte stream, so both ends stay in step.
type frameSealer struct {
	aead    interface{ Seal(dst, nonce, plaintext, ad []byte) []byte }
	opener  interface{ Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) }
	counter uint64
}

// deriveKeys produces the agent-to-coordinator and coordinator-to-agent frame
// keys from the cluster secret and both handshake nonces.
func deriveKeys(secret, clientNonce, serverNonce []byte) (c2s, s2c []byte, err error) {
	salt := append(append([]byte{}, clientNonce...), serverNonce...)
	kdf := hkdf.New(sha256.New, secret, salt, []byte("pulse-mesh frame keys v1"))
	c2s = make([]byte, chacha20poly1305.KeySize)
	s2c = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, c2s); err != nil {
		return nil, nil, fmt.Errorf("deriving c2s key: %w", err)
	}
	if _, err := io.ReadFull(kdf, s2c); err != nil {
		return nil, nil, fmt.Errorf("deriving s2c key: %w", err)
	}
	return c2s, s2c, nil
}

func newSealer(key []byte) (*frameSealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}
	return &frameSealer{aead: aead, opener: aead}, nil
}

func (s *frameSealer) nonce() []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], s.counter)
	s.counter++
	return n
}

// seal encrypts a frame body.
func (s *frameSealer) seal(body []byte) []byte {
	return s.aead.Seal(nil, s.nonce(), body, nil)
}

// open decrypts a frame body. Failure means the stream is corrupt or forged;
// the link must be closed.
func (s *frameSealer) open(body []byte) ([]byte, error) {
	plain, err := s.opener.Open(nil, s.nonce(), body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: frame authentication failed", protocol.ErrFrameCorrupt)
	}
	return plain, nil
}
