// ABOUTME: Tests for registration conflict/recovery semantics and liveness bookkeeping.

package registry

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-mesh/internal/protocol"
)

func testRegistry() *Registry {
	return New(slog.New(slog.DiscardHandler))
}

func analysisIdentity() Identity {
	return Identity{
		AgentID:      "analysis-agent",
		Role:         protocol.RoleAnalysis,
		Capabilities: []string{"analyze_vitals"},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))

	id, err := r.Lookup("analysis-agent")
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleAnalysis, id.Role)
	assert.Equal(t, 1, r.Len())

	status, err := r.Status("analysis-agent")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.True(t, r.IsActive("analysis-agent"))
}

func TestRegisterConflictOnActiveEntry(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))

	err := r.Register(analysisIdentity(), "ward-7", "sess-2", now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterRecoversStaleEntry(t *testing.T) {
	tests := []struct {
		name   string
		status Status
	}{
		{"suspected", StatusSuspected},
		{"dead", StatusDead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry()
			now := time.Now()

			require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))
			require.True(t, r.SetStatus("analysis-agent", tt.status))

			// Same principal takes the stale entry over.
			require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-2", now))
			assert.True(t, r.IsActive("analysis-agent"))
		})
	}
}

func TestRegisterRejectsRecoveryByDifferentPrincipal(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))
	require.True(t, r.SetStatus("analysis-agent", StatusDead))

	err := r.Register(analysisIdentity(), "ward-9", "sess-2", now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReclaimReplacesActiveEntry(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))

	// A reconnecting agent may reclaim its own Active entry.
	require.NoError(t, r.Reclaim(analysisIdentity(), "ward-7", "sess-2", now.Add(time.Second)))
	assert.True(t, r.IsActive("analysis-agent"))
	assert.Equal(t, 1, r.Len())
}

func TestReclaimRejectsDifferentPrincipal(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))

	err := r.Reclaim(analysisIdentity(), "ward-9", "sess-2", now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReclaimRegistersFreshEntry(t *testing.T) {
	r := testRegistry()

	require.NoError(t, r.Reclaim(analysisIdentity(), "ward-7", "sess-1", time.Now()))
	assert.True(t, r.IsActive("analysis-agent"))
}

func TestDeregisterIdempotent(t *testing.T) {
	r := testRegistry()
	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", time.Now()))

	r.Deregister("analysis-agent")
	assert.Equal(t, 0, r.Len())

	r.Deregister("analysis-agent")
	r.Deregister("never-registered")

	_, err := r.Lookup("analysis-agent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupByCapability(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))
	require.NoError(t, r.Register(Identity{
		AgentID:      "vision-agent",
		Role:         protocol.RoleVision,
		Capabilities: []string{"capture_frame"},
	}, "ward-7", "sess-2", now))

	matches := r.LookupByCapability("analyze_vitals")
	require.Len(t, matches, 1)
	assert.Equal(t, "analysis-agent", matches[0].AgentID)

	assert.Empty(t, r.LookupByCapability("unknown_capability"))

	// Non-Active agents are excluded from discovery.
	require.True(t, r.SetStatus("analysis-agent", StatusSuspected))
	assert.Empty(t, r.LookupByCapability("analyze_vitals"))
}

func TestHeartbeatRestoresSuspected(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))
	require.True(t, r.SetStatus("analysis-agent", StatusSuspected))

	status, err := r.Heartbeat("analysis-agent", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
}

func TestHeartbeatDoesNotReviveDead(t *testing.T) {
	r := testRegistry()
	now := time.Now()

	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", now))
	require.True(t, r.SetStatus("analysis-agent", StatusDead))

	status, err := r.Heartbeat("analysis-agent", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StatusDead, status)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := testRegistry()
	_, err := r.Heartbeat("ghost", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatusReportsChange(t *testing.T) {
	r := testRegistry()
	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", time.Now()))

	assert.True(t, r.SetStatus("analysis-agent", StatusSuspected))
	assert.False(t, r.SetStatus("analysis-agent", StatusSuspected), "no-op must report false")
	assert.False(t, r.SetStatus("ghost", StatusDead))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := testRegistry()
	require.NoError(t, r.Register(analysisIdentity(), "ward-7", "sess-1", time.Now()))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = StatusDead

	assert.True(t, r.IsActive("analysis-agent"), "mutating the snapshot must not touch the registry")
}
