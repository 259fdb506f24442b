package playback

// entry wraps a [Request] with its insertion order so requests of equal
// priority play FIFO.
type entry struct {
	req Request
	seq uint64
}

// requestHeap implements [container/heap.Interface]. Immediate requests sort
// ahead of Normal ones; ties fall back to insertion order.
type requestHeap []entry

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(entry))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// indexOf returns the heap index of the request with the given match, or -1.
func (h requestHeap) indexOf(match func(Request) bool) int {
	for i := range h {
		if match(h[i].req) {
			return i
		}
	}
	return -1
}
