package loader

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "unknown", Priority(42).String())
}

func TestParsePriority(t *testing.T) {
	for s, want := range map[string]Priority{
		"low":      PriorityLow,
		"normal":   PriorityNormal,
		"HIGH":     PriorityHigh,
		"Critical": PriorityCritical,
	} {
		got, err := ParsePriority(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParsePriority("urgent")
	require.ErrorIs(t, err, ErrInvalidPriority)
}

func TestTaskQueueOrdering(t *testing.T) {
	var q taskQueue
	push := func(fileID string, priority Priority, seq uint64) {
		heap.Push(&q, &task{fileID: fileID, priority: priority, seq: seq})
	}

	push("low", PriorityLow, 1)
	push("critical", PriorityCritical, 2)
	push("normal-a", PriorityNormal, 3)
	push("normal-b", PriorityNormal, 4)
	push("high", PriorityHigh, 5)

	var drained []string
	for q.Len() > 0 {
		drained = append(drained, heap.Pop(&q).(*task).fileID)
	}

	// Highest tier first, FIFO within a tier.
	want := []string{"critical", "high", "normal-a", "normal-b", "low"}
	assert.Equal(t, want, drained)
}
