// ABOUTME: Topic router: subscription bookkeeping and publish fan-out.
// ABOUTME: Fan-out is snapshot-based and per-subscriber asynchronous.

package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/pulse-mesh/internal/protocol"
)

// Sender delivers an envelope toward one agent. Implementations must not
// block; the coordinator backs this with each link's bounded send queue.
type Sender interface {
	SendTo(agentID string, env *protocol.Envelope) error
}

// Router maps topic names to subscriber sets. Topics are created lazily on
// first subscribe and retained when they empty; they hold no message history.
type Router struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
	send   Sender
	logger *slog.Logger
}

// New creates a router delivering through the given sender.
func New(send Sender, logger *slog.Logger) *Router {
	return &Router{
		topics: make(map[string]map[string]struct{}),
		send:   send,
		logger: logger,
	}
}

// Subscribe adds an agent to a topic. Subscribing twice is a no-op.
func (r *Router) Subscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	if _, ok := subs[agentID]; !ok {
		subs[agentID] = struct{}{}
		r.logger.Debug("subscribed", "agent_id", agentID, "topic", topic, "subscribers", len(subs))
	}
}

// Unsubscribe removes an agent from a topic. Idempotent.
func (r *Router) Unsubscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.topics[topic]; ok {
		delete(subs, agentID)
	}
}

// Publish fans the envelope out to the topic's subscribers as of call time and
// returns the number of subscribers it was handed to. Delivery is best-effort
// per recipient: a subscriber whose link is gone or whose queue overflows does
// not affect the others.
func (r *Router) Publish(env *protocol.Envelope) int {
	subs := r.Subscribers(env.Target)

	delivered := 0
	for _, agentID := range subs {
		if err := r.send.SendTo(agentID, env); err != nil {
			r.logger.Debug("publish delivery skipped",
				"topic", env.Target,
				"subscriber", agentID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns a sorted snapshot of a topic's subscriber set.
func (r *Router) Subscribers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns the topics an agent is currently subscribed to.
func (r *Router) Subscriptions(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for topic, subs := range r.topics {
		if _, ok := subs[agentID]; ok {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// PurgeAgent removes an agent from every topic. Called on eviction.
func (r *Router) PurgeAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, subs := range r.topics {
		if _, ok := subs[agentID]; ok {
			delete(subs, agentID)
			r.logger.Debug("purged subscriber", "agent_id", agentID, "topic", topic)
		}
	}
}
