// ABOUTME: Authoritative table of registered agents, capabilities, and liveness.
// ABOUTME: Registration conflict and recovery semantics live here.

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/pulse-mesh/internal/protocol"
)

// Registry errors.
var (
	// ErrConflict indicates a registration for an agent id that is already live.
	ErrConflict = errors.New("agent id already registered")

	// ErrNotFound indicates the specified agent is not registered.
	ErrNotFound = errors.New("agent not found")
)

// Status is an agent's liveness state.
type Status int

const (
	StatusActive Status = iota
	StatusSuspected
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusSuspected:
		return "suspected"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Identity is the immutable identity an agent declares at registration.
type Identity struct {
	AgentID      string
	Role         protocol.Role
	Capabilities []string
	Address      string
}

// Entry is one cluster membership record.
type Entry struct {
	Identity      Identity
	Principal     string
	SessionID     string
	Status        Status
	LastHeartbeat time.Time
}

// Registry tracks all known agents. All mutation goes through its mutex; the
// coordinator is the only writer apart from the failure detector.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Entry
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Entry),
		logger: logger,
	}
}

// Register adds an agent. A conflicting registration against a still-Active
// entry fails with ErrConflict. Registering over a Suspected or Dead entry is
// the recovery path: it is accepted only when the new connection authenticated
// as the same principal, and replaces the stale entry.
func (r *Registry) Register(id Identity, principal, sessionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[id.AgentID]; ok {
		if existing.Status == StatusActive {
			return ErrConflict
		}
		if existing.Principal != principal {
			return ErrConflict
		}
		r.logger.Info("agent recovered stale registration",
			"agent_id", id.AgentID,
			"previous_status", existing.Status.String(),
		)
	}

	r.agents[id.AgentID] = &Entry{
		Identity:      id,
		Principal:     principal,
		SessionID:     sessionID,
		Status:        StatusActive,
		LastHeartbeat: now,
	}
	r.logger.Info("agent registered",
		"agent_id", id.AgentID,
		"role", string(id.Role),
		"capabilities", id.Capabilities,
		"total_agents", len(r.agents),
	)
	return nil
}

// Reclaim re-registers an agent whose link is gone, regardless of the entry's
// liveness state. It is accepted only when the new connection authenticated as
// the same principal as the existing entry; a missing entry registers fresh.
// The coordinator uses this for reconnections, where the old link has already
// dropped and a strict Active check would reject the agent's own comeback.
func (r *Registry) Reclaim(id Identity, principal, sessionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[id.AgentID]; ok {
		if existing.Principal != principal {
			return ErrConflict
		}
		r.logger.Info("agent reclaimed registration",
			"agent_id", id.AgentID,
			"previous_status", existing.Status.String(),
		)
	}

	r.agents[id.AgentID] = &Entry{
		Identity:      id,
		Principal:     principal,
		SessionID:     sessionID,
		Status:        StatusActive,
		LastHeartbeat: now,
	}
	return nil
}

// Deregister removes an agent. Idempotent.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; ok {
		delete(r.agents, agentID)
		r.logger.Info("agent deregistered", "agent_id", agentID, "total_agents", len(r.agents))
	}
}

// Lookup returns the identity for an agent id.
func (r *Registry) Lookup(agentID string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return entry.Identity, nil
}

// LookupByCapability returns the identities of all Active agents declaring the
// named capability.
func (r *Registry) LookupByCapability(name string) []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Identity
	for _, entry := range r.agents {
		if entry.Status != StatusActive {
			continue
		}
		for _, c := range entry.Identity.Capabilities {
			if c == name {
				out = append(out, entry.Identity)
				break
			}
		}
	}
	return out
}

// Status reports an agent's liveness state.
func (r *Registry) Status(agentID string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return StatusDead, ErrNotFound
	}
	return entry.Status, nil
}

// IsActive reports whether the agent is registered and Active.
func (r *Registry) IsActive(agentID string) bool {
	s, err := r.Status(agentID)
	return err == nil && s == StatusActive
}

// Heartbeat records liveness for an agent. A Suspected agent heartbeating
// again is restored to Active; a Dead entry stays dead until re-registration.
// Returns the agent's status after the observation.
func (r *Registry) Heartbeat(agentID string, now time.Time) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return StatusDead, ErrNotFound
	}
	if entry.Status == StatusDead {
		return StatusDead, nil
	}
	entry.LastHeartbeat = now
	if entry.Status == StatusSuspected {
		entry.Status = StatusActive
		r.logger.Info("agent restored", "agent_id", agentID)
	}
	return entry.Status, nil
}

// SetStatus transitions an agent's liveness state. Returns true when the
// status actually changed. Used by the failure detector.
func (r *Registry) SetStatus(agentID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok || entry.Status == status {
		return false
	}
	entry.Status = status
	r.logger.Info("agent status changed", "agent_id", agentID, "status", status.String())
	return true
}

// Snapshot returns a copy of all membership entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, *entry)
	}
	return out
}

// Len reports the number of registered agents in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
