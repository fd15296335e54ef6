package gateway

import (
	"github.com/meridianfo/vigil/internal/events"
)

// item wraps a queued event. Wrapped priority is 10 minus the event's own
// priority, so higher event priorities pop first; seq keeps equal-priority
// events in submission order.
type item struct {
	event    events.Event
	priority int
	seq      uint64
}

// eventQueue is a min-heap over (priority, seq).
type eventQueue []*item

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
