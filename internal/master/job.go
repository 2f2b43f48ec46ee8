package master

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

// Job is a divisible workload of units [0, total) for one role. An empty Role
// dispatches to whole systems.
type Job struct {
	ID      string
	Role    string
	Payload json.RawMessage

	total int

	mu        sync.Mutex
	pending   []protocol.UnitRange
	completed int
}

func NewJob(role string, units int, payload json.RawMessage) (*Job, error) {
	if units < 0 {
		return nil, fmt.Errorf("%w: %d units", ErrInvalidWorkload, units)
	}
	j := &Job{
		ID:      uuid.NewString(),
		Role:    role,
		Payload: payload,
		total:   units,
	}
	if units > 0 {
		j.pending = []protocol.UnitRange{{Start: 0, End: units}}
	}
	return j, nil
}

func (j *Job) Total() int {
	return j.total
}

// Remaining is the number of units not yet completed nor in flight.
func (j *Job) Remaining() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return rangesLen(j.pending)
}

func (j *Job) Completed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed >= j.total
}

// Pending returns a copy of the ranges still waiting for dispatch.
func (j *Job) Pending() []protocol.UnitRange {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]protocol.UnitRange(nil), j.pending...)
}

// take removes up to n units from the front of the pending ranges.
func (j *Job) take(n int) []protocol.UnitRange {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []protocol.UnitRange
	for n > 0 && len(j.pending) > 0 {
		head := j.pending[0]
		if head.Len() <= n {
			out = append(out, head)
			n -= head.Len()
			j.pending = j.pending[1:]
			continue
		}
		out = append(out, protocol.UnitRange{Start: head.Start, End: head.Start + n})
		j.pending[0].Start += n
		n = 0
	}
	return out
}

// requeue returns ranges to the pending set, keeping it sorted and merged.
func (j *Job) requeue(ranges []protocol.UnitRange) {
	if rangesLen(ranges) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending = mergeRanges(append(j.pending, ranges...))
}

func (j *Job) complete(units int) {
	j.mu.Lock()
	j.completed = min(j.completed+units, j.total)
	j.mu.Unlock()
}

func rangesLen(ranges []protocol.UnitRange) int {
	n := 0
	for _, r := range ranges {
		n += r.Len()
	}
	return n
}

func mergeRanges(ranges []protocol.UnitRange) []protocol.UnitRange {
	sort.Slice(ranges, func(a, b int) bool { return ranges[a].Start < ranges[b].Start })
	out := ranges[:0]
	for _, r := range ranges {
		if r.Len() == 0 {
			continue
		}
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// splitRanges cuts the first n units off ranges.
func splitRanges(ranges []protocol.UnitRange, n int) (head, tail []protocol.UnitRange) {
	for _, r := range ranges {
		switch {
		case n <= 0:
			tail = append(tail, r)
		case r.Len() <= n:
			head = append(head, r)
			n -= r.Len()
		default:
			head = append(head, protocol.UnitRange{Start: r.Start, End: r.Start + n})
			tail = append(tail, protocol.UnitRange{Start: r.Start + n, End: r.End})
			n = 0
		}
	}
	return head, tail
}
