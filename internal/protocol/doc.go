// Package protocol defines the wire contract between agents and the
// coordinator.
//
// # Envelope
//
// Every message crossing a link is an Envelope:
//
//	type Envelope struct {
//	    MessageID     string
//	    Sender        string
//	    Kind          Kind
//	    Target        string
//	    CorrelationID string
//	    Capability    string
//	    TimeoutMS     int64
//	    Payload       json.RawMessage
//	    Error         *ErrorInfo
//	    SentAt        time.Time
//	}
//
// Target carries a topic name for Subscribe/Unsubscribe/Publish and an agent
// id for Direct/ToolCall. Payloads are opaque JSON; the runtime never looks
// inside them.
//
// # Kinds
//
//   - register: declare identity, role, and capabilities (first envelope on a link)
//   - heartbeat: liveness signal
//   - subscribe / unsubscribe: topic membership
//   - publish: topic fan-out
//   - direct: fire-and-forget unicast
//   - toolcall / toolresult: correlated request/response
//   - error: failure notification with a machine-readable code
//
// # Framing
//
// Envelopes travel as length-prefixed JSON frames: a uint32 big-endian byte
// count followed by the body. Frames over the size limit are rejected in both
// directions and the link is closed; see ErrFrameTooLarge.
//
// # Handshake
//
// Before any envelope, the client sends Hello{version, token, node, nonce} and
// the coordinator answers Welcome{version, coordinator_id, session_id, nonce}
// or Reject{code, message}. A version mismatch is always a Reject; nothing
// else is negotiated.
package protocol
