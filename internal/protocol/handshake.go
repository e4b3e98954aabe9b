// ABOUTME: Handshake messages exchanged before any envelope is accepted.
// ABOUTME: Carries protocol version, auth token, and AEAD key material nonces.

package protocol

import "encoding/json"

// Hello is the first frame a connecting agent sends, in the clear.
// Nonce is the client's half of the AEAD key derivation salt.
type Hello struct {
	Version int    `json:"version"`
	Token   string `json:"token"`
	Node    string `json:"node,omitempty"`
	Nonce   []byte `json:"nonce"`
}

// Welcome is the coordinator's accept response to a Hello.
// SessionID identifies this connection; it changes on every reconnect.
type Welcome struct {
	Version       int    `json:"version"`
	CoordinatorID string `json:"coordinator_id"`
	SessionID     string `json:"session_id"`
	Nonce         []byte `json:"nonce"`
}

// Reject is the coordinator's refusal response to a Hello.
// The link is closed immediately after it is sent.
type Reject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handshakeFrame is the tagged union carried in handshake frames.
type handshakeFrame struct {
	Hello   *Hello   `json:"hello,omitempty"`
	Welcome *Welcome `json:"welcome,omitempty"`
	Reject  *Reject  `json:"reject,omitempty"`
}

// EncodeHello serializes a Hello handshake frame body.
func EncodeHello(h *Hello) ([]byte, error) {
	return json.Marshal(&handshakeFrame{Hello: h})
}

// EncodeWelcome serializes a Welcome handshake frame body.
func EncodeWelcome(w *Welcome) ([]byte, error) {
	return json.Marshal(&handshakeFrame{Welcome: w})
}

// EncodeReject serializes a Reject handshake frame body.
func EncodeReject(r *Reject) ([]byte, error) {
	return json.Marshal(&handshakeFrame{Reject: r})
}

// DecodeHandshake parses a handshake frame body. Exactly one of the returned
// pointers is non-nil on success.
func DecodeHandshake(body []byte) (*Hello, *Welcome, *Reject, error) {
	var f handshakeFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, nil, nil, ErrFrameCorrupt
	}
	if f.Hello == nil && f.Welcome == nil && f.Reject == nil {
		return nil, nil, nil, ErrFrameCorrupt
	}
	return f.Hello, f.Welcome, f.Reject, nil
}
