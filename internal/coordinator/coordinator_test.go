// ABOUTME: End-to-end coordinator tests over TCP loopback with real agent runtimes.

package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-mesh/internal/client"
	"github.com/2389/pulse-mesh/internal/config"
	"github.com/2389/pulse-mesh/internal/protocol"
	"github.com/2389/pulse-mesh/internal/registry"
	"github.com/2389/pulse-mesh/internal/transport"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Cluster.HeartbeatInterval = 50 * time.Millisecond
	cfg.Cluster.SuspectMultiplier = 3
	cfg.Cluster.DeadMultiplier = 6
	cfg.Cluster.InvokeTimeout = 2 * time.Second
	cfg.Cluster.DrainGrace = 100 * time.Millisecond
	cfg.Cluster.SendQueueSize = 64
	return cfg
}

// startCoordinator runs a coordinator behind a loopback listener and returns
// its dial address.
func startCoordinator(t *testing.T, cfg *config.Config) (*Coordinator, string) {
	t.Helper()
	c, err := New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = c.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		for _, conn := range c.conns.all() {
			_ = conn.link.Close()
		}
		c.filter.Close()
	})
	return c, ln.Addr().String()
}

// testAgent bundles a runtime with its received traffic.
type testAgent struct {
	rt *client.Runtime

	mu       sync.Mutex
	byTopic  map[string][]*protocol.Envelope
	direct   []*protocol.Envelope
	runErr   chan error
	toolWait time.Duration
}

func startAgent(t *testing.T, addr, agentID string, role protocol.Role, capabilities []string) *testAgent {
	t.Helper()
	a := &testAgent{
		byTopic: make(map[string][]*protocol.Envelope),
		runErr:  make(chan error, 1),
	}

	rt, err := client.New(client.Config{
		Addr:              addr,
		AgentID:           agentID,
		Role:              role,
		Capabilities:      capabilities,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectMin:      20 * time.Millisecond,
		ReconnectMax:      100 * time.Millisecond,
		Logger:            slog.New(slog.DiscardHandler),
		OnPublish: func(topic string, env *protocol.Envelope) {
			a.mu.Lock()
			a.byTopic[topic] = append(a.byTopic[topic], env)
			a.mu.Unlock()
		},
		OnDirect: func(env *protocol.Envelope) {
			a.mu.Lock()
			a.direct = append(a.direct, env)
			a.mu.Unlock()
		},
		OnToolCall: func(ctx context.Context, env *protocol.Envelope) (json.RawMessage, *protocol.ErrorInfo) {
			a.mu.Lock()
			wait := a.toolWait
			a.mu.Unlock()
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
			return json.RawMessage(`{"assessment":"nominal"}`), nil
		},
	})
	require.NoError(t, err)
	a.rt = rt

	ctx, cancel := context.WithCancel(context.Background())
	go func() { a.runErr <- rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = rt.Close()
	})

	require.Eventually(t, rt.Connected, 2*time.Second, 10*time.Millisecond,
		"agent %s failed to connect", agentID)
	return a
}

func (a *testAgent) topicCount(topic string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byTopic[topic])
}

func (a *testAgent) directCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.direct)
}

func TestRegistrationAndDiscovery(t *testing.T) {
	c, addr := startCoordinator(t, testConfig())

	startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, []string{"analyze_vitals"})

	require.Eventually(t, func() bool {
		return c.registry.IsActive("analysis-agent")
	}, time.Second, 10*time.Millisecond)

	matches := c.registry.LookupByCapability("analyze_vitals")
	require.Len(t, matches, 1)
	assert.Equal(t, "analysis-agent", matches[0].AgentID)
}

func TestRegistrationConflictIsFatal(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)

	dup, err := client.New(client.Config{
		Addr:    addr,
		AgentID: "analysis-agent",
		Role:    protocol.RoleAnalysis,
		Logger:  slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	defer dup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = dup.Run(ctx)
	assert.ErrorIs(t, err, client.ErrRegistrationConflict)
}

func TestConflictReplyArrivesBeforeLinkClose(t *testing.T) {
	c, addr := startCoordinator(t, testConfig())

	startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)
	require.Eventually(t, func() bool {
		return c.registry.IsActive("analysis-agent")
	}, time.Second, 10*time.Millisecond)

	// Register the same id over a raw link. The coordinator closes the link
	// after rejecting, but the conflict reply must land first so the agent can
	// tell rejection apart from link loss.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	link, _, err := transport.Connect(conn, "", "analysis-agent", nil, transport.Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer link.Close()

	payload, err := json.Marshal(protocol.RegisterPayload{AgentID: "analysis-agent", Role: protocol.RoleAnalysis})
	require.NoError(t, err)
	reg := protocol.NewEnvelope(protocol.KindRegister, "analysis-agent")
	reg.Payload = payload
	require.NoError(t, link.Send(reg))

	reply, err := link.Recv()
	require.NoError(t, err, "rejection must arrive as an envelope, not a dropped connection")
	require.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, protocol.CodeConflict, reply.Error.Code)
	assert.Equal(t, reg.MessageID, reply.CorrelationID)
}

func TestPublishFanOut(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	pub := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	sub1 := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)
	sub2 := startAgent(t, addr, "vision-agent", protocol.RoleVision, nil)

	require.NoError(t, sub1.rt.Subscribe("user_messages"))
	require.NoError(t, sub2.rt.Subscribe("user_messages"))
	time.Sleep(100 * time.Millisecond) // let subscribes land

	require.NoError(t, pub.rt.Publish("user_messages", json.RawMessage(`{"text":"hello"}`)))

	require.Eventually(t, func() bool {
		return sub1.topicCount("user_messages") == 1 && sub2.topicCount("user_messages") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, pub.topicCount("user_messages"), "publisher is not subscribed")
}

func TestPublishOrderPreservedPerSender(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	pub := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	sub := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)

	require.NoError(t, sub.rt.Subscribe("user_messages"))
	time.Sleep(100 * time.Millisecond) // let the subscribe land

	// Well under the send queue size, so nothing is dropped and every message
	// must arrive in publish order.
	const total = 50
	for i := 0; i < total; i++ {
		payload, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, pub.rt.Publish("user_messages", payload))
	}

	require.Eventually(t, func() bool {
		return sub.topicCount("user_messages") == total
	}, 3*time.Second, 10*time.Millisecond)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, env := range sub.byTopic["user_messages"] {
		var msg struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &msg))
		require.Equal(t, i, msg.Seq, "message %d delivered out of order", i)
	}
}

func TestDirectDelivery(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	sender := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	receiver := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)

	require.NoError(t, sender.rt.Direct("analysis-agent", json.RawMessage(`{"note":"check bed 4"}`)))

	require.Eventually(t, func() bool {
		return receiver.directCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvokeRoundTrip(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	caller := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, []string{"analyze_vitals"})

	result, err := caller.rt.Invoke(context.Background(), "analysis-agent", "analyze_vitals",
		json.RawMessage(`{"bpm":72}`), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"assessment":"nominal"}`, string(result))
}

func TestInvokeUnavailableTarget(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	caller := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)

	_, err := caller.rt.Invoke(context.Background(), "nobody-home", "analyze_vitals", nil, time.Second)
	var invokeErr *client.InvokeError
	require.ErrorAs(t, err, &invokeErr)
	assert.Equal(t, protocol.CodeAgentUnavailable, invokeErr.Code)
}

func TestInvokeTimeoutSynthesized(t *testing.T) {
	c, addr := startCoordinator(t, testConfig())

	caller := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	slow := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, []string{"analyze_vitals"})
	slow.mu.Lock()
	slow.toolWait = 5 * time.Second
	slow.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := caller.rt.Invoke(context.Background(), "analysis-agent", "analyze_vitals", nil, 50*time.Millisecond)
		errCh <- err
	}()

	// Drive the broker sweep past the deadline plus grace.
	var invokeErr *client.InvokeError
	require.Eventually(t, func() bool {
		c.broker.Sweep(time.Now().Add(time.Second))
		select {
		case err := <-errCh:
			require.ErrorAs(t, err, &invokeErr)
			return true
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, protocol.CodeTimeout, invokeErr.Code)
}

func TestReservedTopicRejectsPublish(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	agent := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	require.NoError(t, agent.rt.Subscribe(protocol.TopicMembership))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, agent.rt.Publish(protocol.TopicMembership, json.RawMessage(`{"fake":"event"}`)))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, agent.topicCount(protocol.TopicMembership),
		"agent-published membership traffic must not fan out")
}

func TestMembershipEventsOnSystemTopic(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	watcher := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	require.NoError(t, watcher.rt.Subscribe(protocol.TopicMembership))
	time.Sleep(50 * time.Millisecond)

	startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)

	require.Eventually(t, func() bool {
		return watcher.topicCount(protocol.TopicMembership) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	watcher.mu.Lock()
	env := watcher.byTopic[protocol.TopicMembership][0]
	watcher.mu.Unlock()

	var event protocol.MembershipEvent
	require.NoError(t, json.Unmarshal(env.Payload, &event))
	assert.Equal(t, "analysis-agent", event.AgentID)
	assert.Equal(t, "active", event.Status)
}

func TestDeadAgentIsEvicted(t *testing.T) {
	cfg := testConfig()
	c, addr := startCoordinator(t, cfg)

	caller := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	target := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, []string{"analyze_vitals"})

	require.Eventually(t, func() bool {
		return c.registry.IsActive("analysis-agent")
	}, time.Second, 10*time.Millisecond)

	// Stop the target so it cannot reconnect, then age its registry entry out
	// with a sweep far in the future. The caller gets a matching observation
	// first so the synthetic clock does not kill it too.
	require.NoError(t, target.rt.Close())
	c.detector.Observe("interface-agent", time.Now().Add(time.Hour))
	c.detector.Sweep(time.Now().Add(time.Hour))

	status, err := c.registry.Status("analysis-agent")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDead, status)

	// Requests to the dead agent fail immediately.
	_, err = caller.rt.Invoke(context.Background(), "analysis-agent", "analyze_vitals", nil, time.Second)
	var invokeErr *client.InvokeError
	if assert.ErrorAs(t, err, &invokeErr) {
		assert.Equal(t, protocol.CodeAgentUnavailable, invokeErr.Code)
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	c, addr := startCoordinator(t, testConfig())

	pub := startAgent(t, addr, "interface-agent", protocol.RoleInterface, nil)
	sub := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)
	require.NoError(t, sub.rt.Subscribe("user_messages"))
	time.Sleep(50 * time.Millisecond)

	// Kick the subscriber; its runtime reconnects and resubscribes.
	c.Deregister("analysis-agent")
	require.Eventually(t, func() bool {
		return sub.rt.Connected() && c.registry.IsActive("analysis-agent") &&
			len(c.router.Subscribers("user_messages")) == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, pub.rt.Publish("user_messages", json.RawMessage(`{"text":"after reconnect"}`)))
	require.Eventually(t, func() bool {
		return sub.topicCount("user_messages") >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLinkBlipReconnectsWithoutConflict(t *testing.T) {
	c, addr := startCoordinator(t, testConfig())

	agent := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)

	conn, ok := c.conns.get("analysis-agent")
	require.True(t, ok)
	firstSession := conn.sessionID

	// Kill the link without touching the registry; the entry stays Active, and
	// the returning agent must reclaim it rather than hit a conflict.
	require.NoError(t, conn.link.Close())

	require.Eventually(t, func() bool {
		cur, ok := c.conns.get("analysis-agent")
		return ok && cur.sessionID != firstSession && agent.rt.Connected()
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, c.registry.IsActive("analysis-agent"))
}

func TestSenderSpoofingRejected(t *testing.T) {
	_, addr := startCoordinator(t, testConfig())

	listener := startAgent(t, addr, "analysis-agent", protocol.RoleAnalysis, nil)
	require.NoError(t, listener.rt.Subscribe("user_messages"))
	time.Sleep(50 * time.Millisecond)

	// Register a raw link as mallory, then publish with a forged sender.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	link, _, err := transport.Connect(conn, "", "mallory", nil, transport.Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer link.Close()

	payload, err := json.Marshal(protocol.RegisterPayload{AgentID: "mallory", Role: protocol.RoleInterface})
	require.NoError(t, err)
	reg := protocol.NewEnvelope(protocol.KindRegister, "mallory")
	reg.Payload = payload
	require.NoError(t, link.Send(reg))
	ack, err := link.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.KindRegister, ack.Kind)

	spoofed := protocol.NewEnvelope(protocol.KindPublish, "interface-agent")
	spoofed.Target = "user_messages"
	spoofed.Payload = json.RawMessage(`{"text":"forged"}`)
	require.NoError(t, link.Send(spoofed))

	reply, err := link.Recv()
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, reply.Kind)
	assert.Equal(t, protocol.CodeBadRequest, reply.Error.Code)
	assert.Zero(t, listener.topicCount("user_messages"), "forged publish must not fan out")
}
