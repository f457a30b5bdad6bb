package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30, cfg.Orchestrator.HeartbeatIntervalSeconds)
	assert.Equal(t, AlgoWeightedRoundRobin, cfg.Network.LoadBalanceAlgorithm)
	assert.Equal(t, 1000, cfg.Network.MaxNodes)
	assert.False(t, cfg.Placement.AllowDegraded)
	assert.Equal(t, 3, cfg.Task.MaxRetriesDefault)
	assert.Equal(t, 100000, cfg.Queue.MaxPending)
	assert.InDelta(t, 1.0, cfg.Placement.Weights.CPU+cfg.Placement.Weights.Memory+cfg.Placement.Weights.GPU, 1e-9)
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
orchestrator:
  heartbeat_interval_seconds: 10
network:
  load_balance_algorithm: least_connections
placement:
  allow_degraded: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Orchestrator.HeartbeatIntervalSeconds)
	assert.Equal(t, AlgoLeastConnections, cfg.Network.LoadBalanceAlgorithm)
	assert.True(t, cfg.Placement.AllowDegraded)
	// Untouched keys keep defaults.
	assert.Equal(t, 300, cfg.Orchestrator.TaskDefaultTimeoutSeconds)
	assert.Equal(t, 1000, cfg.Network.MaxNodes)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Network.MaxNodes, cfg.Network.MaxNodes)
}

func TestLoadBadAlgorithm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  load_balance_algorithm: fastest\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown load balance algorithm")
}

func TestValidateLivenessOrdering(t *testing.T) {
	cfg := Default()
	cfg.Liveness.DegradedFactor = 3.0
	cfg.Liveness.OfflineFactor = 1.5
	assert.Error(t, cfg.Validate())
}

func TestThresholds(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 45*time.Second, cfg.DegradedThreshold())
	assert.Equal(t, 90*time.Second, cfg.OfflineThreshold())
	assert.Equal(t, 60*time.Second, cfg.PlacementGrace())
	assert.Equal(t, 10*time.Second, cfg.DispatchTimeout())
}

func TestApplyPatch(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyPatch(map[string]any{
		"network.load_balance_algorithm": AlgoResourceAware,
		"placement.allow_degraded":       true,
		"placement.top_n":                float64(5), // JSON numbers decode as float64
		"liveness.offline_factor":        4.0,
	})
	require.NoError(t, err)

	snap := cfg.Snapshot()
	assert.Equal(t, AlgoResourceAware, snap.Network.LoadBalanceAlgorithm)
	assert.True(t, snap.Placement.AllowDegraded)
	assert.Equal(t, 5, snap.Placement.TopN)
	assert.Equal(t, 4.0, snap.Liveness.OfflineFactor)
}

func TestApplyPatchRejectsUnknownKey(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyPatch(map[string]any{
		"placement.allow_degraded": true,
		"queue.max_pending":        10,
	})
	assert.ErrorContains(t, err, "not mutable")
	// The whole patch is rejected atomically.
	assert.False(t, cfg.Snapshot().Placement.AllowDegraded)
}

func TestApplyPatchRejectsInvalidResult(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyPatch(map[string]any{
		"liveness.degraded_factor": 5.0, // would exceed offline_factor
	})
	assert.Error(t, err)
	assert.Equal(t, 1.5, cfg.Snapshot().Liveness.DegradedFactor)
}

func TestApplyPatchTypeErrors(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ApplyPatch(map[string]any{"network.max_nodes": "lots"}))
	assert.Error(t, cfg.ApplyPatch(map[string]any{"placement.allow_degraded": "yes"}))
	assert.Error(t, cfg.ApplyPatch(map[string]any{"network.max_nodes": 1.5}))
}
