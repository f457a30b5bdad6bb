package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web4ai/orchestrator/pkg/types"
)

func openStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeRoundTrip(t *testing.T) {
	s := openStore(t)
	node := &types.Node{
		ID:               "n1",
		Endpoint:         "http://n1:8080",
		Capabilities:     []string{"inference"},
		Status:           types.NodeStatusActive,
		ReliabilityScore: 0.93,
		TasksCompleted:   12,
		RegisteredAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveNode(node))

	nodes, err := s.LoadNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, 0.93, nodes[0].ReliabilityScore)
	assert.Equal(t, uint64(12), nodes[0].TasksCompleted)
}

func TestNodeOverwriteAndDelete(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.SaveNode(&types.Node{ID: "n1", Endpoint: "http://a"}))
	require.NoError(t, s.SaveNode(&types.Node{ID: "n1", Endpoint: "http://b"}))

	nodes, err := s.LoadNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "http://b", nodes[0].Endpoint)

	require.NoError(t, s.DeleteNode("n1"))
	nodes, err = s.LoadNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	// Deleting an absent node is a no-op.
	assert.NoError(t, s.DeleteNode("ghost"))
}

func TestTaskRoundTrip(t *testing.T) {
	s := openStore(t)
	task := &types.Task{
		ID:            "task_1",
		Type:          "inference",
		State:         types.TaskStateRunning,
		RetryCount:    2,
		InputData:     json.RawMessage(`{"prompt":"hi"}`),
		AssignedNodes: []string{"n1"},
	}
	require.NoError(t, s.SaveTask(task))

	tasks, err := s.LoadTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskStateRunning, tasks[0].State)
	assert.Equal(t, 2, tasks[0].RetryCount)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(tasks[0].InputData))
}

func TestConfigPatchMerges(t *testing.T) {
	s := openStore(t)

	patch, err := s.LoadConfigPatch()
	require.NoError(t, err)
	assert.Nil(t, patch)

	require.NoError(t, s.SaveConfigPatch(map[string]any{"placement.allow_degraded": true}))
	require.NoError(t, s.SaveConfigPatch(map[string]any{"network.load_balance_algorithm": "round_robin"}))

	patch, err = s.LoadConfigPatch()
	require.NoError(t, err)
	assert.Equal(t, true, patch["placement.allow_degraded"])
	assert.Equal(t, "round_robin", patch["network.load_balance_algorithm"])
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveTask(&types.Task{ID: "task_1", State: types.TaskStatePending}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	tasks, err := s.LoadTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task_1", tasks[0].ID)
}
