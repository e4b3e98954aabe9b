// ABOUTME: Heartbeat-driven failure detector for registered agents.
// ABOUTME: Marks Suspected after 3 missed intervals and Dead after 6, by default.

package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/pulse-mesh/internal/registry"
)

// Default silence thresholds, expressed as multiples of the heartbeat
// interval. The ratio is the contract; the absolute values are configurable.
const (
	DefaultSuspectMultiplier = 3
	DefaultDeadMultiplier    = 6
)

// Transition reports a liveness state change.
type Transition struct {
	AgentID string
	From    registry.Status
	To      registry.Status
	At      time.Time
}

// Detector watches heartbeat recency and drives registry status transitions.
// A lost transport link is not an immediate eviction: the silence countdown
// simply runs, so brief network blips self-heal via reconnection.
type Detector struct {
	reg          *registry.Registry
	interval     time.Duration
	suspectAfter time.Duration
	deadAfter    time.Duration
	onTransition func(Transition)
	logger       *slog.Logger
}

// New creates a detector. onTransition is invoked synchronously from the sweep
// for every state change; the coordinator hooks eviction and membership
// notification there.
func New(reg *registry.Registry, heartbeatInterval time.Duration, suspectMult, deadMult int, onTransition func(Transition), logger *slog.Logger) *Detector {
	if suspectMult <= 0 {
		suspectMult = DefaultSuspectMultiplier
	}
	if deadMult <= suspectMult {
		deadMult = DefaultDeadMultiplier
	}
	return &Detector{
		reg:          reg,
		interval:     heartbeatInterval,
		suspectAfter: time.Duration(suspectMult) * heartbeatInterval,
		deadAfter:    time.Duration(deadMult) * heartbeatInterval,
		onTransition: onTransition,
		logger:       logger,
	}
}

// Observe records a liveness signal for an agent. Any authenticated inbound
// frame counts, not just explicit heartbeats. A Suspected agent observing
// again is restored to Active and the transition is reported.
func (d *Detector) Observe(agentID string, now time.Time) {
	before, err := d.reg.Status(agentID)
	if err != nil {
		return
	}
	after, err := d.reg.Heartbeat(agentID, now)
	if err != nil {
		return
	}
	if before == registry.StatusSuspected && after == registry.StatusActive && d.onTransition != nil {
		d.onTransition(Transition{AgentID: agentID, From: before, To: after, At: now})
	}
}

// Sweep examines every membership entry and applies the silence thresholds.
func (d *Detector) Sweep(now time.Time) {
	for _, entry := range d.reg.Snapshot() {
		silence := now.Sub(entry.LastHeartbeat)
		switch {
		case entry.Status != registry.StatusDead && silence > d.deadAfter:
			d.transition(entry, registry.StatusDead, now)
		case entry.Status == registry.StatusActive && silence > d.suspectAfter:
			d.transition(entry, registry.StatusSuspected, now)
		}
	}
}

func (d *Detector) transition(entry registry.Entry, to registry.Status, now time.Time) {
	if !d.reg.SetStatus(entry.Identity.AgentID, to) {
		return
	}
	d.logger.Info("liveness transition",
		"agent_id", entry.Identity.AgentID,
		"from", entry.Status.String(),
		"to", to.String(),
	)
	if d.onTransition != nil {
		d.onTransition(Transition{
			AgentID: entry.Identity.AgentID,
			From:    entry.Status,
			To:      to,
			At:      now,
		})
	}
}

// Run drives the sweep until the context is canceled. The sweep period is the
// heartbeat interval itself; finer granularity buys nothing given the 3x/6x
// thresholds.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}
