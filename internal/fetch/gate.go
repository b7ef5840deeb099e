package fetch

import "sort"

const (
	MinLimit     = 1
	MaxLimit     = 16
	DefaultLimit = 3
)

// ClampLimit clamps n to [MinLimit, MaxLimit].
func ClampLimit(n int) int {
	if n < MinLimit {
		return MinLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// FragmentHint derives the per-job fragment concurrency from the task limit.
// An override > 0 wins.
func FragmentHint(limit, override int) int {
	if override > 0 {
		return min(max(override, 1), 16)
	}
	return min(max(8/max(1, limit), 1), 16)
}

// gate bounds how many jobs run at once. The scheduler lock guards it and the
// scheduler's cond is the wait mechanism, so len(active) is active_count.
//
// Admission requires active < limit. Shrinking the limit does not preempt
// running jobs: ceiling starts at the active count and falls with every
// release until it meets the limit, so active <= max(limit, ceiling) always.
type gate struct {
	limit   int
	ceiling int
	active  map[string]struct{}
}

func newGate(limit int) gate {
	limit = ClampLimit(limit)
	return gate{limit: limit, ceiling: limit, active: map[string]struct{}{}}
}

func (g *gate) setLimit(n int) {
	g.limit = n
	g.ceiling = max(n, len(g.active))
}

// bound is the most slots that may be held right now.
func (g *gate) bound() int { return max(g.limit, g.ceiling) }

// overLimit counts running jobs admitted before the last shrink.
func (g *gate) overLimit() int { return max(0, len(g.active)-g.limit) }

func (g *gate) available() bool { return len(g.active) < g.limit }

func (g *gate) acquire(id string) { g.active[id] = struct{}{} }

// release reports whether id held a slot.
func (g *gate) release(id string) bool {
	if _, ok := g.active[id]; !ok {
		return false
	}
	delete(g.active, id)
	g.ceiling = max(g.limit, min(g.ceiling, len(g.active)))
	return true
}

func (g *gate) holds(id string) bool {
	_, ok := g.active[id]
	return ok
}

func (g *gate) ids() []string {
	out := make([]string, 0, len(g.active))
	for id := range g.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// entry pins a queued id to the generation that enqueued it.
type entry struct {
	id  string
	gen uint64
}

// admissionQueue is an unbounded FIFO; push never blocks.
type admissionQueue struct {
	items []entry
	head  int
}

func (q *admissionQueue) push(e entry) { q.items = append(q.items, e) }

func (q *admissionQueue) pop() (entry, bool) {
	if q.head >= len(q.items) {
		return entry{}, false
	}
	e := q.items[q.head]
	q.items[q.head] = entry{}
	q.head++
	// Compact once the consumed prefix dominates.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append([]entry(nil), q.items[q.head:]...)
		q.head = 0
	}
	return e, true
}

func (q *admissionQueue) len() int { return len(q.items) - q.head }
