package engine

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web4ai/orchestrator/pkg/types"
)

func doneTask(id string) *types.Task {
	return &types.Task{
		ID:        id,
		State:     types.TaskStateCompleted,
		InputData: json.RawMessage(`{"prompt":"hello"}`),
		Result:    json.RawMessage(`{"output":"world"}`),
	}
}

func TestHistoryAddGet(t *testing.T) {
	h := newHistory(10)
	h.Add(doneTask("t1"))

	got, ok := h.Get("t1")
	require.True(t, ok)
	assert.NotNil(t, got.Result)

	_, ok = h.Get("ghost")
	assert.False(t, ok)
}

func TestHistoryReplaceSameID(t *testing.T) {
	h := newHistory(10)
	h.Add(doneTask("t1"))
	updated := doneTask("t1")
	updated.State = types.TaskStateFailed
	h.Add(updated)

	assert.Equal(t, 1, h.Len())
	got, _ := h.Get("t1")
	assert.Equal(t, types.TaskStateFailed, got.State)
}

func TestHistoryStripsBeforeDropping(t *testing.T) {
	h := newHistory(4)
	for i := 0; i < 4; i++ {
		h.Add(doneTask(fmt.Sprintf("t%d", i)))
	}
	require.Equal(t, 4, h.Len())

	// The oldest records lose their payloads but remain queryable.
	got, ok := h.Get("t0")
	require.True(t, ok)
	assert.Nil(t, got.InputData)
	assert.Nil(t, got.Result)
	assert.Equal(t, types.TaskStateCompleted, got.State)

	// One more insert pushes the oldest summary out entirely.
	h.Add(doneTask("t4"))
	assert.Equal(t, 4, h.Len())
	_, ok = h.Get("t0")
	assert.False(t, ok)

	// The newest record keeps its payloads.
	got, ok = h.Get("t4")
	require.True(t, ok)
	assert.NotNil(t, got.Result)
}

func TestHistoryNeverExceedsLimit(t *testing.T) {
	h := newHistory(5)
	for i := 0; i < 50; i++ {
		h.Add(doneTask(fmt.Sprintf("t%d", i)))
	}
	assert.LessOrEqual(t, h.Len(), 5)

	// The most recent record still has its payloads.
	got, ok := h.Get("t49")
	require.True(t, ok)
	assert.NotNil(t, got.Result)
}

func TestHistoryEachOrder(t *testing.T) {
	h := newHistory(10)
	h.Add(doneTask("a"))
	h.Add(doneTask("b"))
	h.Add(doneTask("c"))

	var ids []string
	h.Each(func(task *types.Task) bool {
		ids = append(ids, task.ID)
		return true
	})
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	// Early stop.
	ids = nil
	h.Each(func(task *types.Task) bool {
		ids = append(ids, task.ID)
		return false
	})
	assert.Equal(t, []string{"c"}, ids)
}
