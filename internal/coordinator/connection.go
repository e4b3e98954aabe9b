// ABOUTME: Per-agent connection state owned by the coordinator.
// ABOUTME: Pairs a registered agent id with its live transport link.

package coordinator

import (
	"errors"
	"sync"

	"github.com/2389/pulse-mesh/internal/protocol"
	"github.com/2389/pulse-mesh/internal/transport"
)

// ErrNoLink indicates the agent has no live transport link.
var ErrNoLink = errors.New("agent has no live link")

// connection binds an agent id to its transport link for this session.
type connection struct {
	agentID   string
	sessionID string
	link      *transport.Link
}

// connTable tracks live connections by agent id. The registry keeps membership
// across link loss; this table only holds what is reachable right now.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*connection)}
}

// put installs a connection, returning any previous link for the same agent so
// the caller can close it (reconnect replacing a half-dead session).
func (t *connTable) put(c *connection) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.conns[c.agentID]
	t.conns[c.agentID] = c
	return prev
}

// drop removes the connection only if it still maps to the given session;
// a stale read loop exiting must not evict a newer reconnection.
func (t *connTable) drop(agentID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[agentID]
	if !ok || c.sessionID != sessionID {
		return false
	}
	delete(t.conns, agentID)
	return true
}

func (t *connTable) get(agentID string) (*connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[agentID]
	return c, ok
}

func (t *connTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

func (t *connTable) all() []*connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// send queues an envelope toward an agent's live link.
func (t *connTable) send(agentID string, env *protocol.Envelope) error {
	c, ok := t.get(agentID)
	if !ok {
		return ErrNoLink
	}
	return c.link.Send(env)
}
