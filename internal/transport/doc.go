// Package transport owns the framed, optionally encrypted link between an
// agent and the coordinator.
//
// # Link
//
// A Link wraps a net.Conn after the handshake:
//
//	link, result, err := transport.Accept(conn, serverCfg, logger)   // coordinator side
//	link, welcome, err := transport.Connect(conn, token, node, secret, cfg, logger)  // agent side
//
// Recv blocks for the next envelope. Send never blocks: envelopes enter a
// bounded queue drained by a single writer goroutine, and when the queue is
// full the oldest entry is dropped and reported through the OnDrop callback.
// The single writer guarantees per-link FIFO ordering.
//
// # Handshake
//
// Accept and Connect exchange Hello/Welcome frames, gate on the protocol
// version, and verify the agent's token when the cluster runs with a secret.
// Version and auth failures are answered with a Reject frame before the
// connection closes, so the peer can tell fatal from transient.
//
// # Frame encryption
//
// With a cluster secret configured, both sides derive directional
// ChaCha20-Poly1305 keys via HKDF over the secret and the handshake nonces.
// Frame counters feed the AEAD nonce, so replayed or reordered ciphertext
// fails to open and the link closes. An empty secret runs the link in the
// clear; intended for tests and single-host development.
package transport
