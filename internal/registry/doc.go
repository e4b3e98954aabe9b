// Package registry maintains the authoritative agent membership table.
//
// Each entry binds an agent id to its role, capabilities, authenticated
// principal, session id, and liveness status (Active, Suspected, Dead).
// Registering an id that is Active fails with ErrConflict; a Suspected or
// Dead entry may be taken over by a new registration carrying the same
// principal, which is how an agent recovers after a crash. Dead entries are
// retained after eviction precisely so that recovery remains possible.
//
// Reclaim is the looser sibling used for reconnections: when the agent's old
// link is already gone, a same-principal registration replaces the entry in
// any state, including Active, so a brief network blip never strands an
// agent behind its own stale record.
//
// All operations are safe for concurrent use.
package registry
