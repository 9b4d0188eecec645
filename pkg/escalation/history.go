package escalation

import "sync"

// confidenceRing is a fixed-capacity ring of historical confidence values for
// one industry archetype. Bounded by construction; old values fall off rather
// than accumulating forever.
type confidenceRing struct {
	values []float64
	next   int
	filled bool
}

func newConfidenceRing(capacity int) *confidenceRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &confidenceRing{values: make([]float64, capacity)}
}

func (r *confidenceRing) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *confidenceRing) len() int {
	if r.filled {
		return len(r.values)
	}
	return r.next
}

// ema folds the ring oldest-first into an exponential moving average.
func (r *confidenceRing) ema(alpha float64) (float64, bool) {
	n := r.len()
	if n == 0 {
		return 0, false
	}
	start := 0
	if r.filled {
		start = r.next
	}
	var out float64
	for i := 0; i < n; i++ {
		v := r.values[(start+i)%len(r.values)]
		if i == 0 {
			out = v
			continue
		}
		out = alpha*v + (1-alpha)*out
	}
	return out, true
}

// historyIndex tracks per-industry confidence rings.
type historyIndex struct {
	mu       sync.Mutex
	rings    map[string]*confidenceRing
	capacity int
}

func newHistoryIndex(capacity int) *historyIndex {
	return &historyIndex{rings: make(map[string]*confidenceRing), capacity: capacity}
}

func (h *historyIndex) record(industry string, confidence float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[industry]
	if !ok {
		r = newConfidenceRing(h.capacity)
		h.rings[industry] = r
	}
	r.push(confidence)
}

func (h *historyIndex) ema(industry string, alpha float64) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[industry]
	if !ok {
		return 0, false
	}
	return r.ema(alpha)
}
