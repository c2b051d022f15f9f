// The suspension schedule. A run is driven by a priority queue of
// pending suspension points (save times, allocation times); the stepping
// loop polls "is there a pending suspension at or before this time"
// instead of registering callbacks, which keeps the interleaving
// inspectable in tests.

package sim

import "container/heap"

type eventKind int

const (
	eventSave eventKind = iota
	eventAllocation
)

func (k eventKind) String() string {
	if k == eventAllocation {
		return "allocation"
	}
	return "save"
}

// suspension is one pending suspension point.
type suspension struct {
	at   float64
	kind eventKind
}

// suspensionQueue is a min-heap of suspensions ordered by time, ties
// broken by kind so allocation runs before the save that observes it.
type suspensionQueue []*suspension

func (q suspensionQueue) Len() int { return len(q) }

func (q suspensionQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].kind > q[j].kind // allocation (1) before save (0)
}

func (q suspensionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *suspensionQueue) Push(x any) { *q = append(*q, x.(*suspension)) }

func (q *suspensionQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return s
}

func (q *suspensionQueue) push(s *suspension) { heap.Push(q, s) }

func (q *suspensionQueue) pop() *suspension { return heap.Pop(q).(*suspension) }

// peek returns the earliest pending suspension without removing it.
func (q suspensionQueue) peek() *suspension {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
