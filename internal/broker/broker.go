// ABOUTME: Request/response broker: correlates ToolCalls with ToolResults.
// ABOUTME: Owns the pending-request table, timeout sweep, and direct unicast.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/pulse-mesh/internal/protocol"
)

// Broker errors.
var (
	// ErrAgentUnavailable indicates the target is not registered and Active.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrShuttingDown indicates new requests are rejected during drain.
	ErrShuttingDown = errors.New("coordinator shutting down")
)

// DefaultInvokeTimeout applies to ToolCalls that carry no timeout of their own.
const DefaultInvokeTimeout = 30 * time.Second

// sweepGrace pads a request's deadline before the sweep reaps it, so a result
// racing the sweep still wins.
const sweepGrace = 250 * time.Millisecond

// Sender delivers an envelope toward one agent without blocking.
type Sender interface {
	SendTo(agentID string, env *protocol.Envelope) error
}

// Membership answers whether a target can currently receive requests.
type Membership interface {
	IsActive(agentID string) bool
}

// PendingRequest tracks one in-flight ToolCall.
type PendingRequest struct {
	CorrelationID string
	Requester     string
	Target        string
	Capability    string
	IssuedAt      time.Time
	Deadline      time.Time
}

// Broker routes Direct and ToolCall envelopes and resolves ToolResults back to
// their requesters. A periodic sweep reaps expired requests; nothing blocks
// waiting on a timer.
type Broker struct {
	mu       sync.Mutex
	pending  map[string]*PendingRequest
	draining bool

	send       Sender
	membership Membership
	defTimeout time.Duration
	logger     *slog.Logger
}

// New creates a broker.
func New(send Sender, membership Membership, defaultTimeout time.Duration, logger *slog.Logger) *Broker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultInvokeTimeout
	}
	return &Broker{
		pending:    make(map[string]*PendingRequest),
		send:       send,
		membership: membership,
		defTimeout: defaultTimeout,
		logger:     logger,
	}
}

// RouteDirect forwards a fire-and-forget unicast envelope.
func (b *Broker) RouteDirect(env *protocol.Envelope) error {
	if !b.membership.IsActive(env.Target) {
		return ErrAgentUnavailable
	}
	return b.send.SendTo(env.Target, env)
}

// RouteToolCall records a pending request for the envelope's correlation id
// and forwards the call to its target. The requester learns the outcome
// asynchronously: a relayed ToolResult, a synthesized Timeout, or a
// synthesized AgentUnavailable if the target dies first.
func (b *Broker) RouteToolCall(env *protocol.Envelope) error {
	if !b.membership.IsActive(env.Target) {
		return ErrAgentUnavailable
	}

	timeout := b.defTimeout
	if env.TimeoutMS > 0 {
		timeout = time.Duration(env.TimeoutMS) * time.Millisecond
	}

	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := b.pending[env.CorrelationID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: correlation id %s already in flight", protocol.ErrProtocol, env.CorrelationID)
	}
	now := time.Now()
	b.pending[env.CorrelationID] = &PendingRequest{
		CorrelationID: env.CorrelationID,
		Requester:     env.Sender,
		Target:        env.Target,
		Capability:    env.Capability,
		IssuedAt:      now,
		Deadline:      now.Add(timeout),
	}
	b.mu.Unlock()

	if err := b.send.SendTo(env.Target, env); err != nil {
		b.discard(env.CorrelationID)
		return err
	}

	b.logger.Debug("toolcall routed",
		"correlation_id", env.CorrelationID,
		"requester", env.Sender,
		"target", env.Target,
		"capability", env.Capability,
		"timeout", timeout,
	)
	return nil
}

// Resolve relays a ToolResult back to its requester and discards the pending
// request. An unknown or already-resolved correlation id is logged, not an
// error; late results after a timeout land here.
func (b *Broker) Resolve(env *protocol.Envelope) {
	b.mu.Lock()
	req, ok := b.pending[env.CorrelationID]
	if ok {
		delete(b.pending, env.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("toolresult for unknown correlation id",
			"correlation_id", env.CorrelationID,
			"sender", env.Sender,
		)
		return
	}

	if err := b.send.SendTo(req.Requester, env); err != nil {
		b.logger.Warn("failed to relay toolresult",
			"correlation_id", env.CorrelationID,
			"requester", req.Requester,
			"error", err,
		)
	}
}

// FailTarget fails every pending request aimed at a now-dead agent with a
// synthesized AgentUnavailable result.
func (b *Broker) FailTarget(agentID string) {
	b.mu.Lock()
	var failed []*PendingRequest
	for id, req := range b.pending {
		if req.Target == agentID {
			failed = append(failed, req)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, req := range failed {
		b.logger.Info("failing pending request, target dead",
			"correlation_id", req.CorrelationID,
			"target", agentID,
		)
		b.synthesize(req, protocol.CodeAgentUnavailable,
			fmt.Sprintf("agent %s became unavailable", agentID))
	}
}

// DropRequester discards pending requests issued by an evicted agent; there is
// no one left to deliver their outcomes to.
func (b *Broker) DropRequester(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, req := range b.pending {
		if req.Requester == agentID {
			delete(b.pending, id)
		}
	}
}

// Sweep reaps requests whose deadline (plus grace) has passed, synthesizing a
// Timeout result for each requester.
func (b *Broker) Sweep(now time.Time) {
	b.mu.Lock()
	var expired []*PendingRequest
	for id, req := range b.pending {
		if now.After(req.Deadline.Add(sweepGrace)) {
			expired = append(expired, req)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, req := range expired {
		b.logger.Info("request timed out",
			"correlation_id", req.CorrelationID,
			"target", req.Target,
			"capability", req.Capability,
		)
		b.synthesize(req, protocol.CodeTimeout,
			fmt.Sprintf("no result from %s within deadline", req.Target))
	}
}

// Run drives the timeout sweep until the context is canceled.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}

// SetDraining rejects new ToolCalls with ErrShuttingDown once enabled.
// In-flight requests still resolve or time out normally.
func (b *Broker) SetDraining(draining bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.draining = draining
}

// PendingCount reports the number of in-flight requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) discard(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, correlationID)
}

// synthesize delivers a coordinator-generated ToolResult carrying an error.
func (b *Broker) synthesize(req *PendingRequest, code, message string) {
	env := protocol.NewEnvelope(protocol.KindToolResult, "")
	env.CorrelationID = req.CorrelationID
	env.Error = &protocol.ErrorInfo{Code: code, Message: message}
	if err := b.send.SendTo(req.Requester, env); err != nil {
		b.logger.Debug("failed to deliver synthesized result",
			"correlation_id", req.CorrelationID,
			"requester", req.Requester,
			"error", err,
		)
	}
}
