package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fetchd/internal/eventbus"
	logx "fetchd/pkg/logx"
)

// fakeFetcher never does I/O. Tests drive it through the harness. A stop
// request is honoured immediately with the sentinel message.
type fakeFetcher struct {
	h    *harness
	job  Job
	sink Sink

	mu      sync.Mutex
	started bool
	stopped bool
}

func (f *fakeFetcher) Start() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.h.noteStart(f)
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeFetcher) RequestStop(r StopReason) {
	f.mu.Lock()
	if f.stopped || f.h.ignoreStops {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	f.mu.Unlock()
	f.sink.OnError(StopMessage(r))
}

type harness struct {
	t     *testing.T
	sched *Scheduler
	bus   eventbus.Bus

	// ignoreStops must be set before the scheduler starts.
	ignoreStops bool

	mu       sync.Mutex
	fetchers map[string]*fakeFetcher // id#gen
	starts   []string
	thumbs   map[string]int
	failures []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		bus:      eventbus.New(),
		fetchers: map[string]*fakeFetcher{},
		thumbs:   map[string]int{},
	}
	h.sched = New(cfg, h.factory, logx.Nop(), h.bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})
	return h
}

func fkey(id string, gen uint64) string { return fmt.Sprintf("%s#%d", id, gen) }

func (h *harness) factory(job Job, sink Sink) (Fetcher, error) {
	f := &fakeFetcher{h: h, job: job, sink: sink}
	h.mu.Lock()
	h.fetchers[fkey(job.TaskID, job.Generation)] = f
	h.mu.Unlock()
	return f, nil
}

func (h *harness) noteStart(f *fakeFetcher) {
	if err := checkInvariants(h.sched); err != nil {
		h.mu.Lock()
		h.failures = append(h.failures, err.Error())
		h.mu.Unlock()
	}
	h.mu.Lock()
	h.starts = append(h.starts, f.job.TaskID)
	if f.job.WriteThumbnail {
		h.thumbs[f.job.ResourceKey]++
	}
	h.mu.Unlock()
}

func (h *harness) start() {
	h.sched.Start(context.Background())
}

func (h *harness) fetcher(id string, gen uint64) *fakeFetcher {
	h.t.Helper()
	var f *fakeFetcher
	waitFor(h.t, "fetcher "+fkey(id, gen), func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		f = h.fetchers[fkey(id, gen)]
		return f != nil && f.isStarted()
	})
	return f
}

func (h *harness) hasFetcher(id string, gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.fetchers[fkey(id, gen)]
	return ok
}

func (h *harness) startOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.starts...)
}

func (h *harness) thumbCount(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.thumbs[key]
}

func (h *harness) assertNoViolations() {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) > 0 {
		h.t.Fatalf("invariant violations: %v", h.failures)
	}
}

func (h *harness) state(id string) State {
	ti, err := h.sched.Get(id)
	if err != nil {
		return ""
	}
	return ti.State
}

func (h *harness) waitState(id string, want State) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("%s to be %s", id, want), func() bool { return h.state(id) == want })
}

func (f *fakeFetcher) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// checkInvariants inspects the gate, registry and guard under the scheduler lock.
func checkInvariants(s *Scheduler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Jobs admitted before a shrink may keep running, but no admission
	// happens while active >= limit, so active never exceeds the ceiling.
	if n := len(s.gate.active); n > s.gate.bound() {
		return fmt.Errorf("active %d > limit %d (ceiling %d)", n, s.gate.limit, s.gate.ceiling)
	}
	if s.gate.ceiling > s.gate.limit && s.gate.ceiling > len(s.gate.active) {
		return fmt.Errorf("ceiling %d above active %d after shrink", s.gate.ceiling, len(s.gate.active))
	}
	for id := range s.gate.active {
		t, ok := s.reg.get(id)
		if !ok {
			return fmt.Errorf("active id %s not in registry", id)
		}
		if t.state == StatePaused {
			return fmt.Errorf("paused task %s holds a slot", id)
		}
	}
	holders := map[string]int{}
	for _, t := range s.reg.tasks {
		if t.claimed {
			holders[t.key]++
			if _, ok := s.guard.claimed[t.key]; !ok {
				return fmt.Errorf("task %s holds unrecorded claim %s", t.id, t.key)
			}
		}
	}
	for k, n := range holders {
		if n > 1 {
			return fmt.Errorf("key %s claimed by %d live tasks", k, n)
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
