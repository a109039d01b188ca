package aggregate

import (
	"container/heap"

	"lockfence/internal/event"
)

type item struct {
	cpu int
	rec event.Record
}

type byTimestamp []item

func (h byTimestamp) Len() int { return len(h) }
func (h byTimestamp) Less(i, j int) bool {
	if h[i].rec.Timestamp == h[j].rec.Timestamp {
		return h[i].cpu < h[j].cpu
	}
	return h[i].rec.Timestamp < h[j].rec.Timestamp
}
func (h byTimestamp) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *byTimestamp) Push(x any)   { *h = append(*h, x.(item)) }
func (h *byTimestamp) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// reorder holds events for window nanoseconds of kernel time so that
// records from different CPUs leave in timestamp order. An event is released
// once the newest timestamp seen, or the clock, is window past it.
type reorder struct {
	window    uint64
	highWater uint64
	pending   byTimestamp
}

func newReorder(window uint64) *reorder {
	return &reorder{window: window}
}

func (r *reorder) push(it item) {
	if it.rec.Timestamp > r.highWater {
		r.highWater = it.rec.Timestamp
	}
	heap.Push(&r.pending, it)
}

// release pops every event older than the window relative to now, or to the
// high-water mark if that is later.
func (r *reorder) release(now uint64, emit func(item)) {
	ref := max(now, r.highWater)
	for r.pending.Len() > 0 {
		top := r.pending[0]
		if top.rec.Timestamp+r.window > ref {
			return
		}
		emit(heap.Pop(&r.pending).(item))
	}
}

func (r *reorder) flush(emit func(item)) {
	for r.pending.Len() > 0 {
		emit(heap.Pop(&r.pending).(item))
	}
}

func (r *reorder) len() int {
	return r.pending.Len()
}
