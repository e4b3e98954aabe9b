// ABOUTME: Per-link accept and serve loop for agent connections.
// ABOUTME: Enforces register-first, then dispatches envelopes by kind.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/pulse-mesh/internal/auth"
	"github.com/2389/pulse-mesh/internal/broker"
	"github.com/2389/pulse-mesh/internal/ledger"
	"github.com/2389/pulse-mesh/internal/protocol"
	"github.com/2389/pulse-mesh/internal/registry"
	"github.com/2389/pulse-mesh/internal/telemetry"
	"github.com/2389/pulse-mesh/internal/transport"
)

// registerReplyGrace bounds the wait for a registration rejection to flush
// before the link closes.
const registerReplyGrace = time.Second

// dropTracker attributes queue-overflow drops to an agent. The link is built
// before registration, so the agent id is filled in afterward.
type dropTracker struct {
	mu      sync.Mutex
	agentID string
}

func (d *dropTracker) set(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agentID = agentID
}

func (d *dropTracker) get() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agentID
}

// acceptLoop accepts agent connections until the listener closes.
func (c *Coordinator) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go c.handleConn(conn)
	}
}

// handleConn runs the handshake and the serve loop for one agent connection.
func (c *Coordinator) handleConn(netConn net.Conn) {
	logger := c.logger.With("remote", netConn.RemoteAddr().String())

	tracker := &dropTracker{}
	linkCfg := transport.Config{
		QueueSize:    c.config.Cluster.SendQueueSize,
		MaxFrameSize: c.config.Cluster.MaxFrameSize,
		OnDrop: func(env *protocol.Envelope) {
			agentID := tracker.get()
			telemetry.BackpressureDrops.WithLabelValues(agentID).Inc()
			c.recorder.Record(context.Background(), ledger.EventBackpressure, agentID,
				fmt.Sprintf("dropped %s envelope %s", env.Kind, env.MessageID))
			logger.Warn("send queue overflow, dropped oldest",
				"agent_id", agentID,
				"kind", string(env.Kind),
				"message_id", env.MessageID,
			)
		},
	}

	var verifier auth.TokenVerifier
	var secret []byte
	if c.authSvc != nil {
		verifier = c.authSvc
		secret = c.authSvc.Secret()
	}

	link, hs, err := transport.Accept(netConn, transport.ServerConfig{
		CoordinatorID: c.serverID,
		Verifier:      verifier,
		Secret:        secret,
		Link:          linkCfg,
	}, logger)
	if err != nil {
		logger.Info("handshake failed", "error", err)
		return
	}

	conn, err := c.awaitRegister(link, hs, logger)
	if err != nil {
		logger.Info("registration failed", "error", err)
		// The rejection reply is queued; give it time to reach the agent so a
		// conflict fails the client fatally instead of looking like link loss.
		link.Flush(registerReplyGrace)
		_ = link.Close()
		return
	}
	tracker.set(conn.agentID)
	logger = logger.With("agent_id", conn.agentID)

	if prev := c.conns.put(conn); prev != nil {
		logger.Info("replacing previous link", "previous_session", prev.sessionID)
		_ = prev.link.Close()
	}
	telemetry.ConnectedAgents.Set(float64(c.conns.len()))
	c.publishMembership(conn.agentID, "active")

	c.serveLoop(conn, logger)

	_ = link.Close()
	if c.conns.drop(conn.agentID, conn.sessionID) {
		telemetry.ConnectedAgents.Set(float64(c.conns.len()))
		logger.Info("agent link closed")
	}
	// The membership entry stays; the failure detector owns what happens next.
}

// awaitRegister reads the first envelope on a fresh link, which must be a
// Register, and applies the registry's conflict and recovery semantics. On
// success the agent receives a register ack correlated to its request.
func (c *Coordinator) awaitRegister(link *transport.Link, hs *transport.HandshakeResult, logger *slog.Logger) (*connection, error) {
	env, err := link.Recv()
	if err != nil {
		return nil, fmt.Errorf("reading register: %w", err)
	}
	if env.Kind != protocol.KindRegister {
		_ = link.Send(protocol.ErrorEnvelope(protocol.CodeProtocol, "first envelope must be register"))
		return nil, fmt.Errorf("%w: got %s before register", protocol.ErrProtocol, env.Kind)
	}

	info, err := env.RegisterInfo()
	if err != nil {
		_ = link.Send(protocol.ErrorEnvelope(protocol.CodeBadRequest, err.Error()))
		return nil, err
	}

	var principal string
	if hs.Identity != nil {
		principal = hs.Identity.Principal
		if hs.Identity.AgentID != "" && hs.Identity.AgentID != info.AgentID {
			_ = link.Send(protocol.ErrorEnvelope(protocol.CodeBadRequest, "token is bound to a different agent id"))
			return nil, fmt.Errorf("agent id %s does not match token binding %s", info.AgentID, hs.Identity.AgentID)
		}
	}

	_, statusErr := c.registry.Status(info.AgentID)
	recovered := statusErr == nil

	identity := registry.Identity{
		AgentID:      info.AgentID,
		Role:         info.Role,
		Capabilities: info.Capabilities,
		Address:      info.Address,
	}
	// With a live link present, a second registration is a genuine duplicate
	// and gets the strict conflict check. Without one (or with only a closed
	// link not yet swept from the table), this is the agent's own reconnection
	// and it may reclaim its entry in any state.
	if existing, hasLink := c.conns.get(info.AgentID); hasLink && !existing.link.Closed() {
		err = c.registry.Register(identity, principal, hs.SessionID, time.Now())
	} else {
		err = c.registry.Reclaim(identity, principal, hs.SessionID, time.Now())
	}
	if err != nil {
		reply := protocol.ErrorEnvelope(protocol.CodeConflict, fmt.Sprintf("agent id %s is already registered", info.AgentID))
		reply.CorrelationID = env.MessageID
		_ = link.Send(reply)
		c.recorder.Record(context.Background(), ledger.EventConflict, info.AgentID, "")
		return nil, err
	}

	event := ledger.EventRegistered
	if recovered {
		event = ledger.EventRecovered
	}
	c.recorder.Record(context.Background(), event, info.AgentID, string(info.Role))

	ack := protocol.NewEnvelope(protocol.KindRegister, c.serverID)
	ack.CorrelationID = env.MessageID
	ack.Payload = env.Payload
	if err := link.Send(ack); err != nil {
		return nil, fmt.Errorf("sending register ack: %w", err)
	}

	return &connection{
		agentID:   info.AgentID,
		sessionID: hs.SessionID,
		link:      link,
	}, nil
}

// serveLoop pumps envelopes off the link until it fails or closes.
func (c *Coordinator) serveLoop(conn *connection, logger *slog.Logger) {
	for {
		env, err := conn.link.Recv()
		if err != nil {
			if !conn.link.Closed() {
				logger.Debug("link read failed", "error", err)
			}
			return
		}
		if env.Sender != "" && env.Sender != conn.agentID {
			_ = conn.link.Send(protocol.ErrorEnvelope(protocol.CodeBadRequest,
				fmt.Sprintf("sender %s does not match registered agent id", env.Sender)))
			continue
		}
		c.dispatch(conn, env, logger)
	}
}

// dispatch routes one inbound envelope. Every authenticated frame counts as a
// liveness observation, not just explicit heartbeats.
func (c *Coordinator) dispatch(conn *connection, env *protocol.Envelope, logger *slog.Logger) {
	c.detector.Observe(conn.agentID, time.Now())
	telemetry.MessagesRouted.WithLabelValues(string(env.Kind)).Inc()

	switch env.Kind {
	case protocol.KindHeartbeat:
		// Observed above.

	case protocol.KindSubscribe:
		c.router.Subscribe(conn.agentID, env.Target)

	case protocol.KindUnsubscribe:
		c.router.Unsubscribe(conn.agentID, env.Target)

	case protocol.KindPublish:
		c.handlePublish(conn, env)

	case protocol.KindDirect:
		if err := c.broker.RouteDirect(env); err != nil {
			reply := protocol.ErrorEnvelope(protocol.CodeAgentUnavailable,
				fmt.Sprintf("agent %s is not available", env.Target))
			reply.CorrelationID = env.MessageID
			_ = conn.link.Send(reply)
		}

	case protocol.KindToolCall:
		c.handleToolCall(conn, env)

	case protocol.KindToolResult:
		c.broker.Resolve(env)
		telemetry.PendingInvokes.Set(float64(c.broker.PendingCount()))

	case protocol.KindRegister:
		_ = conn.link.Send(protocol.ErrorEnvelope(protocol.CodeProtocol, "already registered on this link"))

	case protocol.KindError:
		logger.Warn("error envelope from agent",
			"code", env.Error.Code,
			"message", env.Error.Message,
		)
	}
}

// handlePublish fans an envelope out to the topic's subscribers. Writes to the
// reserved membership topic are rejected; replayed envelopes from an offline
// buffer flush are dropped.
func (c *Coordinator) handlePublish(conn *connection, env *protocol.Envelope) {
	if env.Target == protocol.TopicMembership {
		reply := protocol.ErrorEnvelope(protocol.CodeBadRequest,
			fmt.Sprintf("topic %s is reserved", protocol.TopicMembership))
		reply.CorrelationID = env.MessageID
		_ = conn.link.Send(reply)
		return
	}
	if c.filter.Duplicate(env.Sender, env.MessageID) {
		telemetry.ReplaysDropped.Inc()
		return
	}
	delivered := c.router.Publish(env)
	telemetry.PublishFanout.Add(float64(delivered))
}

// handleToolCall records the pending request and forwards the call. Routing
// failures come back to the requester as an error ToolResult under the same
// correlation id, so callers have exactly one completion path.
func (c *Coordinator) handleToolCall(conn *connection, env *protocol.Envelope) {
	err := c.broker.RouteToolCall(env)
	telemetry.PendingInvokes.Set(float64(c.broker.PendingCount()))
	if err == nil {
		return
	}

	code := protocol.CodeBadRequest
	message := err.Error()
	switch {
	case errors.Is(err, broker.ErrAgentUnavailable):
		code = protocol.CodeAgentUnavailable
		message = fmt.Sprintf("agent %s is not available", env.Target)
	case errors.Is(err, broker.ErrShuttingDown):
		code = protocol.CodeShuttingDown
		message = "coordinator is shutting down"
	}

	reply := protocol.NewEnvelope(protocol.KindToolResult, c.serverID)
	reply.CorrelationID = env.CorrelationID
	reply.Error = &protocol.ErrorInfo{Code: code, Message: message}
	_ = conn.link.Send(reply)
}
