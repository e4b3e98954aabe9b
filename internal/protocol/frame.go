// ABOUTME: Length-prefixed frame codec for the coordinator wire protocol.
// ABOUTME: Frames are a uint32 big-endian length followed by a JSON body.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame body. Oversized frames are a
// protocol violation and close the link.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(body) > maxSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, len(body), maxSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
// Returns ErrFrameTooLarge (wrapping ErrProtocol) when the declared length
// exceeds maxSize; the caller must close the link.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// EncodeEnvelope serializes an envelope to its JSON frame body.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a frame body into an envelope and validates it.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameCorrupt, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
