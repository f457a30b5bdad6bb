package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web4ai/orchestrator/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testNode(id string) types.Node {
	return types.Node{
		ID:           id,
		Endpoint:     "http://" + id + ":8080",
		Type:         "compute",
		Capabilities: []string{"inference"},
	}
}

func TestRegisterNew(t *testing.T) {
	r := New(0, 45*time.Second)
	res, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	assert.True(t, res.Created)

	n, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusActive, n.Status)
	assert.Equal(t, 1.0, n.ReliabilityScore)
	assert.Equal(t, t0, n.RegisteredAt)
	assert.Equal(t, t0, n.LastHeartbeat)
}

func TestRegisterRequiresIDAndEndpoint(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(types.Node{ID: "n1"}, t0)
	assert.Error(t, err)
	_, err = r.Register(types.Node{Endpoint: "http://x"}, t0)
	assert.Error(t, err)
}

func TestRegisterIdempotent(t *testing.T) {
	r := New(0, 45*time.Second)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	r.RecordOutcome("n1", false)

	desc := testNode("n1")
	desc.Capabilities = []string{"inference", "training"}
	res, err := r.Register(desc, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Rotated)

	n, _ := r.Get("n1")
	assert.Equal(t, []string{"inference", "training"}, n.Capabilities)
	// Counters survive refresh.
	assert.Equal(t, uint64(1), n.TasksFailed)
}

func TestRegisterEndpointConflictWhileLive(t *testing.T) {
	r := New(0, 45*time.Second)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	desc := testNode("n1")
	desc.Endpoint = "http://elsewhere:8080"
	_, err = r.Register(desc, t0.Add(10*time.Second))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegisterEndpointRotationAfterSilence(t *testing.T) {
	r := New(0, 45*time.Second)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	r.RecordOutcome("n1", true)

	desc := testNode("n1")
	desc.Endpoint = "http://elsewhere:8080"
	res, err := r.Register(desc, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Rotated)

	n, _ := r.Get("n1")
	assert.Equal(t, "http://elsewhere:8080", n.Endpoint)
	assert.Equal(t, uint64(1), n.TasksCompleted)
	assert.Equal(t, types.NodeStatusActive, n.Status)
}

func TestRegisterNodeLimit(t *testing.T) {
	r := New(1, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	_, err = r.Register(testNode("n2"), t0)
	assert.ErrorIs(t, err, ErrNodeLimit)
	// Refreshing an existing node is still allowed at the limit.
	_, err = r.Register(testNode("n1"), t0)
	assert.NoError(t, err)
}

func TestHeartbeatUpdatesSample(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	sample := types.ResourceSample{CPUPercent: 50, MemoryPercent: 40, GPUPercent: 20, LoadScore: 0.37}
	_, healed, err := r.Heartbeat("n1", sample, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, healed)

	n, _ := r.Get("n1")
	assert.Equal(t, 0.37, n.Resources.LoadScore)
	assert.Equal(t, t0.Add(30*time.Second), n.LastHeartbeat)
}

func TestHeartbeatComputesCompositeLoad(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	_, _, err = r.Heartbeat("n1", types.ResourceSample{CPUPercent: 100, MemoryPercent: 100, GPUPercent: 100}, t0)
	require.NoError(t, err)
	n, _ := r.Get("n1")
	assert.InDelta(t, 1.0, n.Resources.LoadScore, 1e-9)

	_, _, err = r.Heartbeat("n1", types.ResourceSample{CPUPercent: 50}, t0)
	require.NoError(t, err)
	n, _ = r.Get("n1")
	assert.InDelta(t, 0.2, n.Resources.LoadScore, 1e-9)
}

func TestHeartbeatMonotonic(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0.Add(time.Minute))
	require.NoError(t, err)

	// A delayed heartbeat carrying an older timestamp must not rewind.
	_, _, err = r.Heartbeat("n1", types.ResourceSample{}, t0)
	require.NoError(t, err)
	n, _ := r.Get("n1")
	assert.Equal(t, t0.Add(time.Minute), n.LastHeartbeat)
}

func TestHeartbeatHealsLivenessStates(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	_, changed := r.MarkLiveness("n1", types.NodeStatusOffline)
	require.True(t, changed)

	prev, healed, err := r.Heartbeat("n1", types.ResourceSample{}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, healed)
	assert.Equal(t, types.NodeStatusOffline, prev)

	n, _ := r.Get("n1")
	assert.Equal(t, types.NodeStatusActive, n.Status)
}

func TestHeartbeatDoesNotHealMaintenance(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	_, err = r.SetStatus("n1", types.NodeStatusMaintenance)
	require.NoError(t, err)

	_, healed, err := r.Heartbeat("n1", types.ResourceSample{}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, healed)
	n, _ := r.Get("n1")
	assert.Equal(t, types.NodeStatusMaintenance, n.Status)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r := New(0, 0)
	_, _, err := r.Heartbeat("ghost", types.ResourceSample{}, t0)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestSetStatusGraph(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	// active -> maintenance -> active
	_, err = r.SetStatus("n1", types.NodeStatusMaintenance)
	require.NoError(t, err)
	_, err = r.SetStatus("n1", types.NodeStatusActive)
	require.NoError(t, err)

	// error can be entered from anywhere, exits only to active.
	_, err = r.SetStatus("n1", types.NodeStatusError)
	require.NoError(t, err)
	_, err = r.SetStatus("n1", types.NodeStatusMaintenance)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.SetStatus("n1", types.NodeStatusActive)
	require.NoError(t, err)

	// degraded/offline are monitor-owned.
	_, err = r.SetStatus("n1", types.NodeStatusDegraded)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.SetStatus("n1", types.NodeStatusOffline)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// active -> active is not a permitted transition.
	_, err = r.SetStatus("n1", types.NodeStatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkLivenessRespectsSticky(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)
	_, err = r.SetStatus("n1", types.NodeStatusMaintenance)
	require.NoError(t, err)

	_, changed := r.MarkLiveness("n1", types.NodeStatusOffline)
	assert.False(t, changed)
	n, _ := r.Get("n1")
	assert.Equal(t, types.NodeStatusMaintenance, n.Status)
}

func TestMarkLivenessHealOnlyWhenLivenessDriven(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	// Already active: marking active changes nothing.
	_, changed := r.MarkLiveness("n1", types.NodeStatusActive)
	assert.False(t, changed)

	_, changed = r.MarkLiveness("n1", types.NodeStatusDegraded)
	require.True(t, changed)
	prev, changed := r.MarkLiveness("n1", types.NodeStatusActive)
	assert.True(t, changed)
	assert.Equal(t, types.NodeStatusDegraded, prev)
}

func TestRecordOutcomeEWMA(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	r.RecordOutcome("n1", false)
	n, _ := r.Get("n1")
	assert.InDelta(t, 0.9, n.ReliabilityScore, 1e-9)
	assert.Equal(t, uint64(1), n.TasksFailed)

	r.RecordOutcome("n1", true)
	n, _ = r.Get("n1")
	assert.InDelta(t, 0.91, n.ReliabilityScore, 1e-9)
	assert.Equal(t, uint64(1), n.TasksCompleted)

	// Unknown node is a no-op, not a panic.
	r.RecordOutcome("ghost", true)
}

func TestAddActiveFloor(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	r.AddActive("n1", 2)
	r.AddActive("n1", -5)
	n, _ := r.Get("n1")
	assert.Equal(t, 0, n.ActiveTasks)
}

func TestUnregister(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	n, err := r.Unregister("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.Equal(t, 0, r.Size())

	_, err = r.Unregister("n1")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New(0, 0)
	_, err := r.Register(testNode("n1"), t0)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Capabilities[0] = "mutated"

	n, _ := r.Get("n1")
	assert.Equal(t, "inference", n.Capabilities[0])
}

func TestLoadRecoveredNodeStartsOffline(t *testing.T) {
	r := New(0, 0)
	r.Load(types.Node{
		ID:             "n1",
		Endpoint:       "http://n1:8080",
		Status:         types.NodeStatusActive,
		TasksCompleted: 42,
		ActiveTasks:    3,
	})

	n, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusOffline, n.Status)
	assert.Equal(t, uint64(42), n.TasksCompleted)
	assert.Equal(t, 0, n.ActiveTasks)

	// First heartbeat brings it back.
	_, healed, err := r.Heartbeat("n1", types.ResourceSample{}, t0)
	require.NoError(t, err)
	assert.True(t, healed)
}
