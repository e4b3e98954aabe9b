// ABOUTME: Link handshake: version gate, token verification, AEAD key agreement.
// ABOUTME: No application envelope crosses a link before the handshake completes.

package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pulse-mesh/internal/auth"
	"github.com/2389/pulse-mesh/internal/protocol"
)

// Handshake errors surfaced to callers.
var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrBadToken          = fmt.Errorf("%w: authentication failed", ErrHandshakeRejected)
)

const (
	handshakeTimeout = 10 * time.Second
	nonceLen         = 16
)

// ServerConfig configures the coordinator side of the handshake.
// A nil Verifier together with an empty Secret runs the cluster open and
// unencrypted; intended for tests and single-host development only.
type ServerConfig struct {
	CoordinatorID string
	Verifier      auth.TokenVerifier
	Secret        []byte
	Link          Config
}

// HandshakeResult describes an accepted connection.
type HandshakeResult struct {
	Identity  *auth.Identity // nil when auth is disabled
	Node      string
	SessionID string
}

// Accept performs the coordinator side of the handshake on a fresh connection.
// On any failure the connection is closed; version and auth failures are first
// answered with a Reject frame so the peer can tell fatal from transient.
func Accept(conn net.Conn, cfg ServerConfig, logger *slog.Logger) (*Link, *HandshakeResult, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	body, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("reading hello: %w", err)
	}
	hello, _, _, err := protocol.DecodeHandshake(body)
	if err != nil || hello == nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: expected hello", protocol.ErrProtocol)
	}

	if hello.Version != protocol.Version {
		rejectAndClose(conn, protocol.CodeProtocol,
			fmt.Sprintf("unsupported protocol version %d (want %d)", hello.Version, protocol.Version))
		return nil, nil, protocol.ErrVersionMismatch
	}

	result := &HandshakeResult{Node: hello.Node, SessionID: uuid.New().String()}
	if cfg.Verifier != nil {
		identity, err := cfg.Verifier.Verify(hello.Token)
		if err != nil {
			rejectAndClose(conn, protocol.CodeBadRequest, "authentication failed")
			return nil, nil, ErrBadToken
		}
		result.Identity = identity
	}

	serverNonce := make([]byte, nonceLen)
	if _, err := rand.Read(serverNonce); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	welcome, err := protocol.EncodeWelcome(&protocol.Welcome{
		Version:       protocol.Version,
		CoordinatorID: cfg.CoordinatorID,
		SessionID:     result.SessionID,
		Nonce:         serverNonce,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := protocol.WriteFrame(conn, welcome, protocol.DefaultMaxFrameSize); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sending welcome: %w", err)
	}

	link, err := sealedLink(conn, cfg.Secret, hello.Nonce, serverNonce, true, cfg.Link, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return link, result, nil
}

// Connect performs the agent side of the handshake on a fresh connection.
func Connect(conn net.Conn, token, node string, secret []byte, cfg Config, logger *slog.Logger) (*Link, *protocol.Welcome, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	hello, err := protocol.EncodeHello(&protocol.Hello{
		Version: protocol.Version,
		Token:   token,
		Node:    node,
		Nonce:   clientNonce,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := protocol.WriteFrame(conn, hello, protocol.DefaultMaxFrameSize); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sending hello: %w", err)
	}

	body, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("reading handshake response: %w", err)
	}
	_, welcome, reject, err := protocol.DecodeHandshake(body)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if reject != nil {
		conn.Close()
		if reject.Code == protocol.CodeProtocol {
			return nil, nil, fmt.Errorf("%w: %s", protocol.ErrVersionMismatch, reject.Message)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, reject.Message)
	}
	if welcome == nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: expected welcome", protocol.ErrProtocol)
	}
	if welcome.Version != protocol.Version {
		conn.Close()
		return nil, nil, protocol.ErrVersionMismatch
	}

	link, err := sealedLink(conn, secret, clientNonce, welcome.Nonce, false, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return link, welcome, nil
}

// sealedLink builds the link, deriving directional AEAD keys when the cluster
// runs with a secret. isServer selects which key seals outbound frames.
func sealedLink(conn net.Conn, secret, clientNonce, serverNonce []byte, isServer bool, cfg Config, logger *slog.Logger) (*Link, error) {
	if len(secret) == 0 {
		return newLink(conn, nil, nil, cfg, logger), nil
	}

	c2sKey, s2cKey, err := deriveKeys(secret, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	c2s, err := newSealer(c2sKey)
	if err != nil {
		return nil, err
	}
	s2c, err := newSealer(s2cKey)
	if err != nil {
		return nil, err
	}
	if isServer {
		return newLink(conn, c2s, s2c, cfg, logger), nil
	}
	return newLink(conn, s2c, c2s, cfg, logger), nil
}

func rejectAndClose(conn net.Conn, code, message string) {
	body, err := protocol.EncodeReject(&protocol.Reject{Code: code, Message: message})
	if err == nil {
		_ = protocol.WriteFrame(conn, body, protocol.DefaultMaxFrameSize)
	}
	conn.Close()
}
