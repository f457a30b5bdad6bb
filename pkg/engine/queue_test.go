package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web4ai/orchestrator/pkg/types"
)

var qt0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestQueuePriorityOrder(t *testing.T) {
	q := newPendingQueue()
	q.Push("low", types.PriorityLow, qt0, qt0)
	q.Push("critical", types.PriorityCritical, qt0, qt0)
	q.Push("normal", types.PriorityNormal, qt0, qt0)

	var order []string
	for {
		id, ok := q.Pop(qt0)
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"critical", "normal", "low"}, order)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newPendingQueue()
	q.Push("first", types.PriorityNormal, qt0, qt0)
	q.Push("second", types.PriorityNormal, qt0, qt0)
	q.Push("third", types.PriorityNormal, qt0, qt0)

	id, _ := q.Pop(qt0)
	assert.Equal(t, "first", id)
	id, _ = q.Pop(qt0)
	assert.Equal(t, "second", id)
}

func TestQueueParkedUntilDue(t *testing.T) {
	q := newPendingQueue()
	q.Push("delayed", types.PriorityCritical, qt0.Add(10*time.Second), qt0)
	q.Push("ready", types.PriorityLow, qt0, qt0)

	// The parked critical task does not block the ready one.
	id, ok := q.Pop(qt0)
	require.True(t, ok)
	assert.Equal(t, "ready", id)

	_, ok = q.Pop(qt0.Add(5 * time.Second))
	assert.False(t, ok)

	id, ok = q.Pop(qt0.Add(10 * time.Second))
	require.True(t, ok)
	assert.Equal(t, "delayed", id)
}

func TestQueueRemove(t *testing.T) {
	q := newPendingQueue()
	q.Push("a", types.PriorityNormal, qt0, qt0)
	q.Push("parked", types.PriorityNormal, qt0.Add(time.Minute), qt0)

	assert.True(t, q.Remove("a"))
	assert.True(t, q.Remove("parked"))
	assert.False(t, q.Remove("ghost"))
	assert.Equal(t, 0, q.Len())

	_, ok := q.Pop(qt0.Add(time.Hour))
	assert.False(t, ok)
}

func TestQueueDuplicatePushIgnored(t *testing.T) {
	q := newPendingQueue()
	q.Push("a", types.PriorityNormal, qt0, qt0)
	q.Push("a", types.PriorityCritical, qt0, qt0)
	assert.Equal(t, 1, q.Len())

	_, ok := q.Pop(qt0)
	require.True(t, ok)
	_, ok = q.Pop(qt0)
	assert.False(t, ok)
}

func TestQueueLenIncludesParked(t *testing.T) {
	q := newPendingQueue()
	q.Push("ready", types.PriorityNormal, qt0, qt0)
	q.Push("parked", types.PriorityNormal, qt0.Add(time.Minute), qt0)
	assert.Equal(t, 2, q.Len())
}
