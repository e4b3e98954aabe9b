// Package coordinator composes the cluster hub.
//
// # Overview
//
// The Coordinator owns every live agent link and wires the runtime's parts
// together: the transport handshake, the membership registry, the topic
// router, the request broker, and the failure detector. Agents never talk to
// each other directly; every envelope passes through here.
//
// # Lifecycle
//
//	coord, err := coordinator.New(cfg, logger)
//	err = coord.Run(ctx)
//
// Run listens for agents (plain TCP or a tsnet node on the tailnet), serves
// the HTTP surface, and starts the detector and broker sweeps. Canceling the
// context triggers a graceful drain: new ToolCalls are rejected with
// shutting_down, queued outbound envelopes get the drain grace period to
// flush, then links close. Serve is exported separately for driving the
// accept loop on a caller-owned listener.
//
// # Per-link flow
//
// Each accepted connection runs its own goroutine: handshake, then a
// mandatory Register as the first envelope, then the serve loop dispatching
// by kind. Registration conflicts answer with a conflict error and close the
// link; recovery re-registrations (same principal reclaiming a Suspected or
// Dead entry) are accepted and recorded. A later connection for the same
// agent id replaces the earlier link; session ids keep a stale read loop from
// evicting its replacement.
//
// # HTTP surface
//
//   - GET /health - liveness
//   - GET /health/ready - readiness (at least one live agent link)
//   - GET /api/agents - membership table with statuses and subscriptions
//   - GET /api/agents/{id} - one agent
//   - DELETE /api/agents/{id} - administrative deregistration
//   - GET /metrics - prometheus metrics, when enabled
//
// # Membership events
//
// Registration, recovery, suspicion, death, and deregistration each publish a
// MembershipEvent on the reserved cluster.membership topic. Agents subscribe
// to it like any other topic but may not publish there.
package coordinator
