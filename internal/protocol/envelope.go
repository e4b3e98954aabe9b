// ABOUTME: Wire envelope model shared by the coordinator and the agent runtime.
// ABOUTME: Defines message kinds, error codes, and per-kind field validation.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version exchanged during the handshake.
// Both sides must agree on it before any envelope is accepted.
const Version = 1

// TopicMembership is the reserved system topic carrying membership-change
// notifications. Agents may subscribe to it but never publish on it.
const TopicMembership = "cluster.membership"

// Kind identifies the type of an envelope.
type Kind string

const (
	KindRegister    Kind = "register"
	KindHeartbeat   Kind = "heartbeat"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindPublish     Kind = "publish"
	KindDirect      Kind = "direct"
	KindToolCall    Kind = "toolcall"
	KindToolResult  Kind = "toolresult"
	KindError       Kind = "error"
)

// Role is the declared role of an agent in the cluster.
type Role string

const (
	RoleInterface Role = "interface"
	RoleAnalysis  Role = "analysis"
	RoleVision    Role = "vision"
)

// Error codes carried by KindError envelopes and ToolResult errors.
const (
	CodeConflict         = "conflict"
	CodeAgentUnavailable = "agent_unavailable"
	CodeTimeout          = "timeout"
	CodeBackpressure     = "backpressure"
	CodeShuttingDown     = "shutting_down"
	CodeProtocol         = "protocol"
	CodeBadRequest       = "bad_request"
)

// Protocol errors. Everything frame- or version-shaped wraps ErrProtocol so
// callers can close the link on errors.Is(err, ErrProtocol).
var (
	ErrProtocol        = errors.New("protocol violation")
	ErrFrameTooLarge   = fmt.Errorf("%w: frame exceeds size limit", ErrProtocol)
	ErrFrameCorrupt    = fmt.Errorf("%w: corrupt frame", ErrProtocol)
	ErrVersionMismatch = fmt.Errorf("%w: incompatible protocol version", ErrProtocol)
)

// Envelope is the unit of exchange between an agent and the coordinator.
// Target holds a topic name for Subscribe/Unsubscribe/Publish and an agent id
// for Direct/ToolCall; it is empty for the remaining kinds.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Sender        string          `json:"sender,omitempty"`
	Kind          Kind            `json:"kind"`
	Target        string          `json:"target,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Capability    string          `json:"capability,omitempty"`
	TimeoutMS     int64           `json:"timeout_ms,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// ErrorInfo describes a protocol- or application-level failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterPayload is the payload of a KindRegister envelope.
type RegisterPayload struct {
	AgentID      string   `json:"agent_id"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
}

// MembershipEvent is the payload published on TopicMembership when an agent's
// liveness state changes.
type MembershipEvent struct {
	AgentID string    `json:"agent_id"`
	Role    Role      `json:"role,omitempty"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

// NewEnvelope creates an envelope with a fresh message id and timestamp.
func NewEnvelope(kind Kind, sender string) *Envelope {
	return &Envelope{
		MessageID: uuid.New().String(),
		Sender:    sender,
		Kind:      kind,
		SentAt:    time.Now().UTC(),
	}
}

// Validate checks the per-kind required fields from the wire contract.
// It does not inspect payloads; those are opaque to the runtime.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrProtocol)
	}
	switch e.Kind {
	case KindRegister:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: register requires a payload", ErrProtocol)
		}
	case KindHeartbeat:
		if e.Sender == "" {
			return fmt.Errorf("%w: heartbeat requires sender", ErrProtocol)
		}
	case KindSubscribe, KindUnsubscribe, KindPublish:
		if e.Sender == "" || e.Target == "" {
			return fmt.Errorf("%w: %s requires sender and topic", ErrProtocol, e.Kind)
		}
	case KindDirect:
		if e.Sender == "" || e.Target == "" {
			return fmt.Errorf("%w: direct requires sender and target", ErrProtocol)
		}
	case KindToolCall:
		if e.Sender == "" || e.Target == "" || e.Capability == "" || e.CorrelationID == "" {
			return fmt.Errorf("%w: toolcall requires sender, target, capability, correlation_id", ErrProtocol)
		}
	case KindToolResult:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w: toolresult requires correlation_id", ErrProtocol)
		}
	case KindError:
		if e.Error == nil {
			return fmt.Errorf("%w: error envelope requires error info", ErrProtocol)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrProtocol, e.Kind)
	}
	return nil
}

// RegisterInfo decodes the register payload of the envelope.
func (e *Envelope) RegisterInfo() (*RegisterPayload, error) {
	if e.Kind != KindRegister {
		return nil, fmt.Errorf("%w: not a register envelope", ErrProtocol)
	}
	var p RegisterPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding register payload: %v", ErrProtocol, err)
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("%w: register requires agent_id", ErrProtocol)
	}
	return &p, nil
}

// ErrorEnvelope builds a KindError envelope addressed to no one in particular;
// the coordinator sends these down the offending link.
func ErrorEnvelope(code, message string) *Envelope {
	env := NewEnvelope(KindError, "")
	env.Error = &ErrorInfo{Code: code, Message: message}
	return env
}
