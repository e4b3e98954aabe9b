// ABOUTME: Agent-side cluster runtime: connect, register, heartbeat, reconnect.
// ABOUTME: Buffers outbound traffic while offline and restores subscriptions on reconnect.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pulse-mesh/internal/protocol"
	"github.com/2389/pulse-mesh/internal/transport"
)

// Runtime errors.
var (
	// ErrClosed indicates the runtime has been shut down.
	ErrClosed = errors.New("runtime closed")

	// ErrNotConnected indicates an operation that requires a live link.
	ErrNotConnected = errors.New("not connected to coordinator")

	// ErrRegistrationConflict indicates the agent id is already taken by a live
	// agent. This is fatal; the runtime will not retry.
	ErrRegistrationConflict = errors.New("agent id already registered")

	// ErrReconnectExhausted indicates the retry ceiling was hit.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// InvokeError carries the error outcome of a ToolCall, whether produced by the
// remote agent or synthesized by the coordinator.
type InvokeError struct {
	Code    string
	Message string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke failed (%s): %s", e.Code, e.Message)
}

// Default reconnect and buffering parameters.
const (
	DefaultReconnectMin     = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
	DefaultOfflineBufferCap = 256
)

// Config configures an agent runtime.
type Config struct {
	// Addr is the coordinator's agent listener address.
	Addr string

	// Dial overrides the default TCP dialer; used for tsnet connections.
	Dial func(ctx context.Context) (net.Conn, error)

	Token  string
	Secret []byte

	AgentID      string
	Role         protocol.Role
	Capabilities []string
	Address      string

	HeartbeatInterval time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxReconnectAttempts bounds consecutive failed connection attempts.
	// Zero means retry forever.
	MaxReconnectAttempts int

	// OfflineBufferCap bounds the outbound buffer held while disconnected.
	// Oldest entries are dropped on overflow.
	OfflineBufferCap int

	Link transport.Config

	// OnPublish receives topic fan-out, including membership events on the
	// reserved system topic when the agent subscribes to it.
	OnPublish func(topic string, env *protocol.Envelope)

	// OnDirect receives fire-and-forget unicast envelopes.
	OnDirect func(env *protocol.Envelope)

	// OnToolCall handles an inbound capability invocation. The returned payload
	// or error info travels back to the requester as a ToolResult.
	OnToolCall func(ctx context.Context, env *protocol.Envelope) (json.RawMessage, *protocol.ErrorInfo)

	Logger *slog.Logger
}

func (c *Config) withDefaults() error {
	if c.AgentID == "" {
		return errors.New("agent id is required")
	}
	if c.Addr == "" && c.Dial == nil {
		return errors.New("coordinator address is required")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.OfflineBufferCap <= 0 {
		c.OfflineBufferCap = DefaultOfflineBufferCap
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Runtime maintains an agent's connection to the coordinator. All operations
// are safe for concurrent use. Publish and Direct survive disconnection by
// buffering; Invoke requires a live link.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	link    *transport.Link // nil while disconnected
	subs    map[string]struct{}
	buffer  []*protocol.Envelope
	pending map[string]chan *protocol.Envelope

	closed  chan struct{}
	closeMu sync.Mutex
	isDown  bool
}

// New creates a runtime. Call Run to connect and serve.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Runtime{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "agent-runtime", "agent_id", cfg.AgentID),
		subs:    make(map[string]struct{}),
		pending: make(map[string]chan *protocol.Envelope),
		closed:  make(chan struct{}),
	}, nil
}

// Run connects to the coordinator and serves until the context is canceled,
// the runtime is closed, or the reconnect ceiling is hit. Lost links are
// re-established with capped exponential backoff; on each reconnection the
// runtime re-registers, restores its subscriptions, and flushes the offline
// buffer. A registration Conflict is fatal.
func (r *Runtime) Run(ctx context.Context) error {
	attempts := 0
	delay := r.cfg.ReconnectMin

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return nil
		default:
		}

		link, err := r.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrRegistrationConflict) || errors.Is(err, protocol.ErrVersionMismatch) {
				return err
			}
			attempts++
			if r.cfg.MaxReconnectAttempts > 0 && attempts >= r.cfg.MaxReconnectAttempts {
				return fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, err)
			}
			r.logger.Warn("connection attempt failed",
				"attempt", attempts,
				"retry_in", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.closed:
				return nil
			case <-time.After(delay):
			}
			delay *= 2
			if delay > r.cfg.ReconnectMax {
				delay = r.cfg.ReconnectMax
			}
			continue
		}

		attempts = 0
		delay = r.cfg.ReconnectMin
		r.serve(ctx, link)

		r.mu.Lock()
		if r.link == link {
			r.link = nil
		}
		r.mu.Unlock()
		_ = link.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.closed:
			return nil
		default:
			r.logger.Info("link lost, reconnecting")
		}
	}
}

// connect dials, handshakes, registers, restores subscriptions, and flushes
// the offline buffer.
func (r *Runtime) connect(ctx context.Context) (*transport.Link, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing coordinator: %w", err)
	}

	link, welcome, err := transport.Connect(conn, r.cfg.Token, r.cfg.AgentID, r.cfg.Secret, r.cfg.Link, r.logger)
	if err != nil {
		return nil, err
	}

	if err := r.register(link); err != nil {
		_ = link.Close()
		return nil, err
	}
	r.logger.Info("registered with coordinator",
		"coordinator_id", welcome.CoordinatorID,
		"session_id", welcome.SessionID,
	)

	r.mu.Lock()
	r.link = link
	topics := make([]string, 0, len(r.subs))
	for t := range r.subs {
		topics = append(topics, t)
	}
	buffered := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for _, topic := range topics {
		env := protocol.NewEnvelope(protocol.KindSubscribe, r.cfg.AgentID)
		env.Target = topic
		if err := link.Send(env); err != nil {
			return nil, err
		}
	}
	for _, env := range buffered {
		if err := link.Send(env); err != nil {
			return nil, err
		}
	}
	if len(buffered) > 0 {
		r.logger.Info("flushed offline buffer", "envelopes", len(buffered))
	}
	return link, nil
}

func (r *Runtime) dial(ctx context.Context) (net.Conn, error) {
	if r.cfg.Dial != nil {
		return r.cfg.Dial(ctx)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", r.cfg.Addr)
}

// register sends the Register envelope and waits for the coordinator's ack.
func (r *Runtime) register(link *transport.Link) error {
	payload, err := json.Marshal(protocol.RegisterPayload{
		AgentID:      r.cfg.AgentID,
		Role:         r.cfg.Role,
		Capabilities: r.cfg.Capabilities,
		Address:      r.cfg.Address,
	})
	if err != nil {
		return fmt.Errorf("encoding register payload: %w", err)
	}

	env := protocol.NewEnvelope(protocol.KindRegister, r.cfg.AgentID)
	env.Payload = payload
	if err := link.Send(env); err != nil {
		return err
	}

	reply, err := link.Recv()
	if err != nil {
		return fmt.Errorf("reading register ack: %w", err)
	}
	switch reply.Kind {
	case protocol.KindRegister:
		return nil
	case protocol.KindError:
		if reply.Error != nil && reply.Error.Code == protocol.CodeConflict {
			return fmt.Errorf("%w: %s", ErrRegistrationConflict, reply.Error.Message)
		}
		return fmt.Errorf("registration rejected: %s", reply.Error.Message)
	default:
		return fmt.Errorf("%w: unexpected %s during registration", protocol.ErrProtocol, reply.Kind)
	}
}

// serve pumps the link until it fails. Heartbeats run on their own ticker.
func (r *Runtime) serve(ctx context.Context, link *transport.Link) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx, link)

	for {
		env, err := link.Recv()
		if err != nil {
			return
		}
		r.dispatch(ctx, link, env)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context, link *transport.Link) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		case <-ticker.C:
			env := protocol.NewEnvelope(protocol.KindHeartbeat, r.cfg.AgentID)
			if err := link.Send(env); err != nil {
				return
			}
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, link *transport.Link, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindPublish:
		if r.cfg.OnPublish != nil {
			r.cfg.OnPublish(env.Target, env)
		}

	case protocol.KindDirect:
		if r.cfg.OnDirect != nil {
			r.cfg.OnDirect(env)
		}

	case protocol.KindToolCall:
		go r.handleToolCall(ctx, link, env)

	case protocol.KindToolResult:
		r.resolve(env)

	case protocol.KindError:
		if env.CorrelationID != "" && r.resolve(env) {
			return
		}
		if env.Error != nil {
			r.logger.Warn("error from coordinator",
				"code", env.Error.Code,
				"message", env.Error.Message,
			)
		}

	default:
		r.logger.Debug("unexpected envelope", "kind", string(env.Kind))
	}
}

// handleToolCall invokes the handler and returns its outcome as a ToolResult.
// Runs in its own goroutine so a slow capability never stalls the read loop.
func (r *Runtime) handleToolCall(ctx context.Context, link *transport.Link, env *protocol.Envelope) {
	reply := protocol.NewEnvelope(protocol.KindToolResult, r.cfg.AgentID)
	reply.CorrelationID = env.CorrelationID
	reply.Target = env.Sender

	if r.cfg.OnToolCall == nil {
		reply.Error = &protocol.ErrorInfo{
			Code:    protocol.CodeBadRequest,
			Message: fmt.Sprintf("agent %s handles no capabilities", r.cfg.AgentID),
		}
	} else {
		payload, errInfo := r.cfg.OnToolCall(ctx, env)
		reply.Payload = payload
		reply.Error = errInfo
	}

	if err := link.Send(reply); err != nil {
		r.logger.Warn("failed to send toolresult", "correlation_id", env.CorrelationID, "error", err)
	}
}

// resolve completes a pending Invoke. Reports whether a waiter existed.
func (r *Runtime) resolve(env *protocol.Envelope) bool {
	r.mu.Lock()
	ch, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("result for unknown correlation id", "correlation_id", env.CorrelationID)
		return false
	}
	ch <- env
	return true
}

// Subscribe adds a topic subscription. The subscription is remembered and
// restored automatically after every reconnection.
func (r *Runtime) Subscribe(topic string) error {
	r.mu.Lock()
	r.subs[topic] = struct{}{}
	link := r.link
	r.mu.Unlock()

	if link == nil {
		return nil // sent on next connect
	}
	env := protocol.NewEnvelope(protocol.KindSubscribe, r.cfg.AgentID)
	env.Target = topic
	return link.Send(env)
}

// Unsubscribe removes a topic subscription.
func (r *Runtime) Unsubscribe(topic string) error {
	r.mu.Lock()
	delete(r.subs, topic)
	link := r.link
	r.mu.Unlock()

	if link == nil {
		return nil
	}
	env := protocol.NewEnvelope(protocol.KindUnsubscribe, r.cfg.AgentID)
	env.Target = topic
	return link.Send(env)
}

// Publish sends a payload to every subscriber of a topic. While disconnected
// the envelope is buffered and flushed on reconnection; the buffer is bounded
// and drops its oldest entries on overflow.
func (r *Runtime) Publish(topic string, payload json.RawMessage) error {
	env := protocol.NewEnvelope(protocol.KindPublish, r.cfg.AgentID)
	env.Target = topic
	env.Payload = payload
	return r.sendOrBuffer(env)
}

// Direct sends a fire-and-forget unicast payload to one agent.
func (r *Runtime) Direct(target string, payload json.RawMessage) error {
	env := protocol.NewEnvelope(protocol.KindDirect, r.cfg.AgentID)
	env.Target = target
	env.Payload = payload
	return r.sendOrBuffer(env)
}

func (r *Runtime) sendOrBuffer(env *protocol.Envelope) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}

	r.mu.Lock()
	link := r.link
	if link == nil {
		if len(r.buffer) >= r.cfg.OfflineBufferCap {
			dropped := r.buffer[0]
			r.buffer = r.buffer[1:]
			r.logger.Warn("offline buffer overflow, dropped oldest",
				"kind", string(dropped.Kind),
				"message_id", dropped.MessageID,
			)
		}
		r.buffer = append(r.buffer, env)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return link.Send(env)
}

// Invoke calls a capability on a target agent and blocks until the result
// arrives, the timeout elapses, or the context is canceled. A zero timeout
// defers to the coordinator's default. Error outcomes, including synthesized
// Timeout and AgentUnavailable results, surface as *InvokeError.
func (r *Runtime) Invoke(ctx context.Context, target, capability string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	if link == nil {
		return nil, ErrNotConnected
	}

	env := protocol.NewEnvelope(protocol.KindToolCall, r.cfg.AgentID)
	env.Target = target
	env.Capability = capability
	env.CorrelationID = uuid.New().String()
	env.Payload = payload
	if timeout > 0 {
		env.TimeoutMS = timeout.Milliseconds()
	}

	ch := make(chan *protocol.Envelope, 1)
	r.mu.Lock()
	r.pending[env.CorrelationID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, env.CorrelationID)
		r.mu.Unlock()
	}()

	if err := link.Send(env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, ErrClosed
	case reply := <-ch:
		if reply.Error != nil {
			return nil, &InvokeError{Code: reply.Error.Code, Message: reply.Error.Message}
		}
		return reply.Payload, nil
	}
}

// Connected reports whether a live link exists right now.
func (r *Runtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link != nil
}

// Close shuts the runtime down. Safe to call multiple times.
func (r *Runtime) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.isDown {
		return nil
	}
	r.isDown = true
	close(r.closed)

	r.mu.Lock()
	link := r.link
	r.link = nil
	r.mu.Unlock()
	if link != nil {
		return link.Close()
	}
	return nil
}
