package loader

import (
	"errors"
	"fmt"
	"strings"
)

// Priority orders pending downloads. Higher values drain first.
type Priority int

// Priority tiers, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrInvalidPriority is returned when an invalid priority string is provided.
var ErrInvalidPriority = errors.New("invalid priority")

// ParsePriority parses a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %s", ErrInvalidPriority, s)
	}
}

// task is one pending or in-flight download. All callers waiting on the same
// fileId share a single task.
type task struct {
	fileID   string
	priority Priority

	// seq breaks priority ties by arrival order.
	seq uint64

	// done is closed once data/err are final.
	done chan struct{}
	data []byte
	err  error
}

// taskQueue is a max-heap over priority, FIFO within a tier.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) {
	*q = append(*q, x.(*task))
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
