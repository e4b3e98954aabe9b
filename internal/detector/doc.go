// Package detector watches agent liveness from heartbeat silence.
//
// Every inbound frame counts as an observation, not just explicit heartbeats.
// The periodic sweep marks an agent Suspected after more than 3 heartbeat
// intervals of silence and Dead after more than 6; a fresh observation
// restores a Suspected agent to Active, while Dead is terminal until the
// agent re-registers. Link loss alone changes nothing; the countdown does
// the work, which gives a briefly partitioned agent time to reconnect.
//
// State transitions are reported through a callback so the coordinator can
// evict, publish membership events, and record audit entries.
package detector
