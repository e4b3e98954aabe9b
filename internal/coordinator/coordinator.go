// ABOUTME: Coordinator orchestrator composing transport, registry, router, broker, detector.
// ABOUTME: Manages the agent listener and HTTP server for health checks and lifecycle.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/pulse-mesh/internal/auth"
	"github.com/2389/pulse-mesh/internal/broker"
	"github.com/2389/pulse-mesh/internal/config"
	"github.com/2389/pulse-mesh/internal/dedupe"
	"github.com/2389/pulse-mesh/internal/detector"
	"github.com/2389/pulse-mesh/internal/ledger"
	"github.com/2389/pulse-mesh/internal/protocol"
	"github.com/2389/pulse-mesh/internal/registry"
	"github.com/2389/pulse-mesh/internal/router"
	"github.com/2389/pulse-mesh/internal/telemetry"
)

// Coordinator is the cluster hub. It accepts agent links, maintains the
// membership registry, and routes every envelope between agents; agents never
// talk to each other directly.
type Coordinator struct {
	config   *config.Config
	registry *registry.Registry
	router   *router.Router
	broker   *broker.Broker
	detector *detector.Detector
	conns    *connTable
	filter   *dedupe.Filter
	recorder ledger.Recorder
	auditLog *ledger.Ledger
	authSvc  *auth.ClusterAuth

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	listener    net.Listener

	logger *slog.Logger

	// serverID identifies this coordinator instance
	serverID string
}

// New creates a Coordinator from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		config:   cfg,
		conns:    newConnTable(),
		filter:   dedupe.New(5*time.Minute, 100_000),
		recorder: ledger.Nop{},
		logger:   logger.With("component", "coordinator"),
		serverID: generateServerID(),
	}

	if cfg.Auth.ClusterSecret != "" {
		clusterAuth, err := auth.NewClusterAuth([]byte(cfg.Auth.ClusterSecret))
		if err != nil {
			return nil, fmt.Errorf("creating cluster auth: %w", err)
		}
		c.authSvc = clusterAuth
		logger.Info("cluster auth enabled")
	} else {
		logger.Warn("auth disabled - no cluster_secret configured, links run open and unencrypted")
	}

	if cfg.Ledger.Enabled {
		l, err := ledger.Open(cfg.Ledger.Path, logger.With("component", "ledger"))
		if err != nil {
			return nil, err
		}
		c.auditLog = l
		c.recorder = l
	}

	c.registry = registry.New(logger.With("component", "registry"))
	c.router = router.New(c, logger.With("component", "router"))
	c.broker = broker.New(c, c.registry, cfg.Cluster.InvokeTimeout, logger.With("component", "broker"))
	c.detector = detector.New(
		c.registry,
		cfg.Cluster.HeartbeatInterval,
		cfg.Cluster.SuspectMultiplier,
		cfg.Cluster.DeadMultiplier,
		c.onTransition,
		logger.With("component", "detector"),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/health/ready", c.handleReady)
	mux.HandleFunc("/api/agents", c.handleListAgents)
	mux.HandleFunc("/api/agents/", c.handleAgentByID)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, telemetry.Handler())
	}

	c.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return c, nil
}

// SendTo queues an envelope toward one connected agent. Implements the sender
// contract shared by the router and broker.
func (c *Coordinator) SendTo(agentID string, env *protocol.Envelope) error {
	return c.conns.send(agentID, env)
}

// Serve accepts agent connections on ln until it closes. Run wires this up
// together with the HTTP server and background loops; it is exported for
// embedding the coordinator behind a caller-owned listener.
func (c *Coordinator) Serve(ln net.Listener) error {
	return c.acceptLoop(ln)
}

// Run starts the coordinator and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (c *Coordinator) Run(ctx context.Context) error {
	agentLn, httpLn, err := c.setupListeners(ctx)
	if err != nil {
		return err
	}
	c.listener = agentLn

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.detector.Run(runCtx)
	go c.broker.Run(runCtx, time.Second)

	errCh := make(chan error, 2)
	go func() {
		c.logger.Info("agent listener ready", "addr", agentLn.Addr().String())
		if err := c.Serve(agentLn); err != nil {
			errCh <- fmt.Errorf("agent listener: %w", err)
		}
	}()
	go func() {
		c.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := c.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		c.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		c.logger.Error("server error", "error", serverErr)
	}
	cancel()

	shutdownErr := c.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (c *Coordinator) setupListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	if c.config.Tailscale.Enabled {
		return c.setupTailscaleListeners(ctx)
	}
	return c.setupTCPListeners()
}

func (c *Coordinator) setupTCPListeners() (agentLn, httpLn net.Listener, err error) {
	agentLn, err = net.Listen("tcp", c.config.Server.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}
	httpLn, err = net.Listen("tcp", c.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return agentLn, httpLn, nil
}

// setupTailscaleListeners creates a tsnet node and listens on the tailnet, so
// agent traffic never leaves the private overlay network.
func (c *Coordinator) setupTailscaleListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	tsCfg := c.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	c.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	c.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := c.tsnetServer.Up(ctx)
	if err != nil {
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		c.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		c.logger.Warn("tailscale node has no IP addresses assigned")
	}

	agentLn, err = c.tsnetServer.Listen("tcp", ":7101")
	if err != nil {
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}
	httpLn, err = c.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = agentLn.Close()
		_ = c.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return agentLn, httpLn, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pulse-mesh", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (c *Coordinator) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Cluster.DrainGrace+5*time.Second)
	defer cancel()
	return c.Shutdown(ctx)
}

// Shutdown drains and stops the coordinator. New ToolCalls are rejected
// immediately; queued outbound envelopes get the drain grace period to flush
// before links are torn down.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down coordinator")
	c.broker.SetDraining(true)

	if c.listener != nil {
		_ = c.listener.Close()
	}

	grace := c.config.Cluster.DrainGrace
	for _, conn := range c.conns.all() {
		conn.link.Flush(grace)
		_ = conn.link.Close()
	}

	var errs []error
	if err := c.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if c.tsnetServer != nil {
		if err := c.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	c.filter.Close()
	if c.auditLog != nil {
		if err := c.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent holds a live link.
func (c *Coordinator) handleReady(w http.ResponseWriter, r *http.Request) {
	n := c.conns.len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// agentView is the JSON shape returned by the agents API.
type agentView struct {
	AgentID       string    `json:"agent_id"`
	Role          string    `json:"role"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Subscriptions []string  `json:"subscriptions"`
}

// handleListAgents returns the membership table as JSON.
func (c *Coordinator) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := c.registry.Snapshot()
	views := make([]agentView, 0, len(entries))
	for _, e := range entries {
		_, connected := c.conns.get(e.Identity.AgentID)
		views = append(views, agentView{
			AgentID:       e.Identity.AgentID,
			Role:          string(e.Identity.Role),
			Capabilities:  e.Identity.Capabilities,
			Status:        e.Status.String(),
			Connected:     connected,
			LastHeartbeat: e.LastHeartbeat,
			Subscriptions: c.router.Subscriptions(e.Identity.AgentID),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		c.logger.Error("encoding agent list", "error", err)
	}
}

// handleAgentByID serves GET (lookup) and DELETE (deregister) for one agent.
func (c *Coordinator) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Path[len("/api/agents/"):]
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		id, err := c.registry.Lookup(agentID)
		if err != nil {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		status, _ := c.registry.Status(agentID)
		_, connected := c.conns.get(agentID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agentView{
			AgentID:       id.AgentID,
			Role:          string(id.Role),
			Capabilities:  id.Capabilities,
			Status:        status.String(),
			Connected:     connected,
			Subscriptions: c.router.Subscriptions(agentID),
		})
	case http.MethodDelete:
		c.Deregister(agentID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Deregister removes an agent from the cluster: its registration, its
// subscriptions, its pending requests, and its link. Idempotent.
func (c *Coordinator) Deregister(agentID string) {
	if conn, ok := c.conns.get(agentID); ok {
		_ = conn.link.Close()
	}
	if _, err := c.registry.Lookup(agentID); err != nil {
		return
	}
	c.registry.Deregister(agentID)
	c.router.PurgeAgent(agentID)
	c.broker.FailTarget(agentID)
	c.broker.DropRequester(agentID)
	c.recorder.Record(context.Background(), ledger.EventDeregistered, agentID, "")
	c.publishMembership(agentID, "deregistered")
}

// publishMembership fans a membership-change notification out on the reserved
// system topic.
func (c *Coordinator) publishMembership(agentID, status string) {
	event := protocol.MembershipEvent{
		AgentID: agentID,
		Status:  status,
		At:      time.Now().UTC(),
	}
	if id, err := c.registry.Lookup(agentID); err == nil {
		event.Role = id.Role
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("encoding membership event", "error", err)
		return
	}

	env := protocol.NewEnvelope(protocol.KindPublish, c.serverID)
	env.Target = protocol.TopicMembership
	env.Payload = payload
	delivered := c.router.Publish(env)
	c.logger.Debug("membership event published",
		"agent_id", agentID,
		"status", status,
		"delivered", delivered,
	)
}

// onTransition reacts to failure detector state changes. Dead agents are
// evicted: subscriptions purged, pending requests failed, link closed. The
// membership entry itself is retained so the agent can re-register through the
// recovery path.
func (c *Coordinator) onTransition(t detector.Transition) {
	telemetry.LivenessTransitions.WithLabelValues(t.To.String()).Inc()

	switch t.To {
	case registry.StatusSuspected:
		c.recorder.Record(context.Background(), ledger.EventSuspected, t.AgentID, "")
		c.publishMembership(t.AgentID, "suspected")
	case registry.StatusActive:
		c.recorder.Record(context.Background(), ledger.EventRestored, t.AgentID, "")
		c.publishMembership(t.AgentID, "active")
	case registry.StatusDead:
		c.logger.Warn("agent declared dead, evicting", "agent_id", t.AgentID)
		c.router.PurgeAgent(t.AgentID)
		c.broker.FailTarget(t.AgentID)
		c.broker.DropRequester(t.AgentID)
		if conn, ok := c.conns.get(t.AgentID); ok {
			_ = conn.link.Close()
		}
		c.recorder.Record(context.Background(), ledger.EventDead, t.AgentID, "")
		c.publishMembership(t.AgentID, "dead")
	}
}

// generateServerID creates a unique identifier for this coordinator instance.
func generateServerID() string {
	return fmt.Sprintf("pulse-coordinator-%d", time.Now().UnixNano()%1000000)
}
