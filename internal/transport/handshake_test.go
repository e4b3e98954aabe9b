// ABOUTME: Tests for the link handshake: auth, version gate, frame encryption.

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-mesh/internal/auth"
	"github.com/2389/pulse-mesh/internal/protocol"
)

type acceptResult struct {
	link *Link
	hs   *HandshakeResult
	err  error
}

func accept(cfg ServerConfig, conn net.Conn) chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		link, hs, err := Accept(conn, cfg, testLogger())
		ch <- acceptResult{link, hs, err}
	}()
	return ch
}

func TestHandshakeOpenCluster(t *testing.T) {
	server, client := net.Pipe()

	ch := accept(ServerConfig{CoordinatorID: "coord-1"}, server)

	clientLink, welcome, err := Connect(client, "", "agent-1", nil, Config{}, testLogger())
	require.NoError(t, err)
	defer clientLink.Close()

	res := <-ch
	require.NoError(t, res.err)
	defer res.link.Close()

	assert.Equal(t, "coord-1", welcome.CoordinatorID)
	assert.NotEmpty(t, welcome.SessionID)
	assert.Equal(t, welcome.SessionID, res.hs.SessionID)
	assert.Equal(t, "agent-1", res.hs.Node)
	assert.Nil(t, res.hs.Identity)

	// Envelopes flow both ways in the clear.
	exchange(t, clientLink, res.link)
}

func TestHandshakeAuthenticatedAndSealed(t *testing.T) {
	secret := []byte("cluster-secret")
	ca, err := auth.NewClusterAuth(secret)
	require.NoError(t, err)
	token, err := ca.Generate("ward-7", "agent-1", time.Hour)
	require.NoError(t, err)

	server, client := net.Pipe()
	ch := accept(ServerConfig{
		CoordinatorID: "coord-1",
		Verifier:      ca,
		Secret:        secret,
	}, server)

	clientLink, _, err := Connect(client, token, "agent-1", secret, Config{}, testLogger())
	require.NoError(t, err)
	defer clientLink.Close()

	res := <-ch
	require.NoError(t, res.err)
	defer res.link.Close()

	require.NotNil(t, res.hs.Identity)
	assert.Equal(t, "ward-7", res.hs.Identity.Principal)
	assert.Equal(t, "agent-1", res.hs.Identity.AgentID)

	// Envelopes survive the sealed round trip in both directions.
	exchange(t, clientLink, res.link)
}

func TestHandshakeBadToken(t *testing.T) {
	secret := []byte("cluster-secret")
	ca, err := auth.NewClusterAuth(secret)
	require.NoError(t, err)

	server, client := net.Pipe()
	ch := accept(ServerConfig{
		CoordinatorID: "coord-1",
		Verifier:      ca,
		Secret:        secret,
	}, server)

	_, _, err = Connect(client, "forged-token", "agent-1", secret, Config{}, testLogger())
	assert.ErrorIs(t, err, ErrHandshakeRejected)

	res := <-ch
	assert.ErrorIs(t, res.err, ErrBadToken)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	server, client := net.Pipe()
	ch := accept(ServerConfig{CoordinatorID: "coord-1"}, server)

	// Speak the handshake by hand with a version from the future.
	hello, err := protocol.EncodeHello(&protocol.Hello{
		Version: protocol.Version + 1,
		Node:    "agent-1",
		Nonce:   []byte("0123456789abcdef"),
	})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(client, hello, protocol.DefaultMaxFrameSize))

	// The peer gets a Reject frame naming the protocol before the close.
	body, err := protocol.ReadFrame(client, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	_, _, reject, err := protocol.DecodeHandshake(body)
	require.NoError(t, err)
	require.NotNil(t, reject)
	assert.Equal(t, protocol.CodeProtocol, reject.Code)

	res := <-ch
	assert.ErrorIs(t, res.err, protocol.ErrVersionMismatch)
}

func TestHandshakeGarbageHello(t *testing.T) {
	server, client := net.Pipe()
	ch := accept(ServerConfig{CoordinatorID: "coord-1"}, server)

	go func() {
		_ = protocol.WriteFrame(client, []byte("{}"), protocol.DefaultMaxFrameSize)
	}()

	res := <-ch
	assert.ErrorIs(t, res.err, protocol.ErrProtocol)
}

// exchange sends an envelope in each direction and checks it arrives intact.
func exchange(t *testing.T, clientLink, serverLink *Link) {
	t.Helper()

	up := protocol.NewEnvelope(protocol.KindHeartbeat, "agent-1")
	require.NoError(t, clientLink.Send(up))
	got, err := serverLink.Recv()
	require.NoError(t, err)
	assert.Equal(t, up.MessageID, got.MessageID)

	down := protocol.NewEnvelope(protocol.KindPublish, "coord-1")
	down.Target = "vitals"
	down.Payload = []byte(`{"bpm":72}`)
	require.NoError(t, serverLink.Send(down))
	got, err = clientLink.Recv()
	require.NoError(t, err)
	assert.Equal(t, down.MessageID, got.MessageID)
	assert.JSONEq(t, `{"bpm":72}`, string(got.Payload))
}
