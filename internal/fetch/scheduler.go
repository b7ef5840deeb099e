package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fetchd/internal/eventbus"
	rtsup "fetchd/internal/runtime/supervisor"
	logx "fetchd/pkg/logx"
)

// Scheduler admits tasks in FIFO order under a live concurrency limit and
// drives their lifecycle from fetcher events.
//
// One mutex guards the registry, the admission queue, the gate and the dedup
// guard. cond is broadcast on enqueue, slot release, limit change and close;
// every waiter re-checks its predicate after waking. Notices are published
// under the lock; logging happens after it is released.
type Scheduler struct {
	log     logx.Logger
	bus     eventbus.Bus
	factory FetcherFactory
	now     func() time.Time

	mu    sync.Mutex
	cond  *sync.Cond
	cfg   Config
	reg   registry
	queue admissionQueue
	gate  gate
	guard guard

	closed bool
	sup    *rtsup.Supervisor
}

func New(cfg Config, factory FetcherFactory, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	cfg.Limit = ClampLimit(cfg.Limit)
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:     log,
		bus:     bus,
		factory: factory,
		now:     time.Now,
		cfg:     cfg,
		reg:     newRegistry(cfg.RecentSize),
		gate:    newGate(cfg.Limit),
		guard:   newGuard(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Apply hot-applies a new config. Only the limit and the fragment override change.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg.FragmentThreads = cfg.FragmentThreads
	s.mu.Unlock()
	if cfg.Limit > 0 {
		s.SetLimit(cfg.Limit)
	}
}

// Start launches the scheduler loop. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "fetch"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	limit := s.gate.limit
	s.mu.Unlock()

	// A panic in the loop restarts it; queue state lives in s, not the goroutine.
	sup.GoRestart("loop", s.loop, rtsup.WithPublishFirstError(true))

	// Wake the loop when the parent context ends.
	sup.Go0("closer", func(c context.Context) {
		<-c.Done()
		for _, f := range s.close() {
			f.RequestStop(StopPause)
		}
	})

	s.log.Info("scheduler started", logx.Int("limit", limit))
}

// Supervisor is nil before Start.
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Stop closes admission, asks running fetchers to stop and waits for their
// slots to drain or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	running := s.close()
	for _, f := range running {
		f.RequestStop(StopPause)
	}

	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}

	if err := s.waitDrained(ctx); err != nil {
		s.log.Warn("scheduler stop timed out", logx.Int("active", s.Snapshot().Active), logx.Any("err", err))
		return err
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	s.log.Info("scheduler stopped")
	return nil
}

// waitDrained blocks until no slot is held or ctx ends. The waiting goroutine
// has exited when it returns.
func (s *Scheduler) waitDrained(ctx context.Context) error {
	var err error
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.mu.Lock()
		defer s.mu.Unlock()
		for len(s.gate.active) > 0 {
			if err = ctx.Err(); err != nil {
				return
			}
			s.cond.Wait()
		}
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		<-drained
	}
	return err
}

// close marks the scheduler closed, sets a pause token on every running task
// and returns their fetchers.
func (s *Scheduler) close() []Fetcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var running []Fetcher
	for _, t := range s.reg.tasks {
		if t.state != StateDownloading {
			continue
		}
		t.token.Set(StopPause)
		if t.fetcher != nil {
			running = append(running, t.fetcher)
		}
	}
	s.cond.Broadcast()
	return running
}

// Submit registers a new task and enqueues it.
func (s *Scheduler) Submit(spec Spec) (string, error) {
	spec.URL = strings.TrimSpace(spec.URL)
	if spec.URL == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidSpec)
	}
	spec.Quality = strings.TrimSpace(spec.Quality)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if spec.FragmentThreads <= 0 {
		spec.FragmentThreads = FragmentHint(s.gate.limit, s.cfg.FragmentThreads)
	}
	id := uuid.NewString()
	t := s.reg.create(id, spec, s.now())
	s.queue.push(entry{id: id, gen: t.gen})
	s.cond.Broadcast()
	s.publish(EventQueued, s.noticeLocked(t))
	s.mu.Unlock()

	s.log.Info("task.queued", logx.String("task_id", id), logx.String("url", spec.URL), logx.String("quality", spec.Quality))
	return id, nil
}

// SubmitBatch submits specs in order. errs[i] is nil when ids[i] is valid.
func (s *Scheduler) SubmitBatch(specs []Spec) ([]string, []error) {
	ids := make([]string, len(specs))
	errs := make([]error, len(specs))
	for i, sp := range specs {
		ids[i], errs[i] = s.Submit(sp)
	}
	return ids, errs
}

// Cancel stops a task for good. A queued, paused or failed task is purged
// immediately; a running one is asked to stop and ends Cancelled once the
// fetcher reports the stop.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	t, ok := s.reg.get(id)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	switch t.state {
	case StateQueued, StatePaused, StateError:
		t.token.Set(StopCancel)
		s.publish(EventCancelled, s.settleLocked(t, StateCancelled, ""))
		s.mu.Unlock()
		s.log.Info("task.cancelled", logx.String("task_id", id), logx.Bool("started", false))
		return nil
	case StateDownloading:
		t.token.Set(StopCancel)
		f := t.fetcher
		s.mu.Unlock()
		s.log.Debug("task.stop_requested", logx.String("task_id", id), logx.String("reason", string(StopCancel)))
		if f != nil {
			f.RequestStop(StopCancel)
		}
		return nil
	}
	s.mu.Unlock()
	return ErrNotFound
}

// Pause suspends a task. A queued task is marked Paused without starting; a
// running one is asked to stop and ends Paused once the fetcher reports it.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	t, ok := s.reg.get(id)
	if !ok {
		err := s.missingLocked(id, "pause")
		s.mu.Unlock()
		return err
	}
	switch t.state {
	case StatePaused:
		s.mu.Unlock()
		return nil
	case StateQueued:
		// The queue entry stays; the loop skips it because the state is no longer Queued.
		s.publish(EventPaused, s.settleLocked(t, StatePaused, ""))
		s.mu.Unlock()
		s.log.Info("task.paused", logx.String("task_id", id), logx.Bool("started", false))
		return nil
	case StateDownloading:
		switch t.token.Reason() {
		case StopCancel:
			s.mu.Unlock()
			return fmt.Errorf("%w: cancel already pending", ErrStateConflict)
		case StopPause:
			s.mu.Unlock()
			return nil
		}
		t.token.Set(StopPause)
		f := t.fetcher
		s.mu.Unlock()
		s.log.Debug("task.stop_requested", logx.String("task_id", id), logx.String("reason", string(StopPause)))
		if f != nil {
			f.RequestStop(StopPause)
		}
		return nil
	}
	st := t.state
	s.mu.Unlock()
	return fmt.Errorf("%w: cannot pause %s task", ErrStateConflict, st)
}

// Resume re-enqueues a Paused task under a new generation.
func (s *Scheduler) Resume(id string) error { return s.requeue(id, StatePaused, "resume") }

// Retry re-enqueues a failed task under a new generation.
func (s *Scheduler) Retry(id string) error { return s.requeue(id, StateError, "retry") }

func (s *Scheduler) requeue(id string, from State, op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	t, ok := s.reg.get(id)
	if !ok {
		err := s.missingLocked(id, op)
		s.mu.Unlock()
		return err
	}
	if t.state != from {
		st := t.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s requires %s, task is %s", ErrStateConflict, op, from, st)
	}
	t.gen++
	t.token = NewToken()
	t.fetcher = nil
	t.state = StateQueued
	t.status = ""
	if from == StateError {
		t.lastErr = ""
	}
	t.updatedAt = s.now()
	s.queue.push(entry{id: id, gen: t.gen})
	s.cond.Broadcast()
	gen := t.gen
	s.publish(EventQueued, s.noticeLocked(t))
	s.mu.Unlock()

	s.log.Info("task.queued", logx.String("task_id", id), logx.Uint64("gen", gen), logx.String("op", op))
	return nil
}

// missingLocked reports why id is not live: a recently finished task is a
// state conflict, anything else is not found.
func (s *Scheduler) missingLocked(id, op string) error {
	if ti, ok := s.reg.lookupRecent(id); ok {
		return fmt.Errorf("%w: cannot %s %s task", ErrStateConflict, op, ti.State)
	}
	return ErrNotFound
}

// SetLimit clamps n to [1,16], applies it and wakes any waiter. It returns the
// applied value. Running jobs are never preempted: after a shrink, admission
// stays closed until active < limit.
func (s *Scheduler) SetLimit(n int) int {
	n = ClampLimit(n)
	s.mu.Lock()
	prev := s.gate.limit
	s.gate.setLimit(n)
	s.cfg.Limit = n
	over := s.gate.overLimit()
	s.cond.Broadcast()
	s.mu.Unlock()
	if prev != n {
		s.log.Info("concurrency limit changed", logx.Int("from", prev), logx.Int("to", n), logx.Int("over_limit", over))
	}
	return n
}

func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.limit
}

// Get returns a live task, or the last view of a recently purged one.
func (s *Scheduler) Get(id string) (TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.reg.get(id); ok {
		return t.info(), nil
	}
	if ti, ok := s.reg.lookupRecent(id); ok {
		return ti, nil
	}
	return TaskInfo{}, ErrNotFound
}

// List returns live tasks in submission order.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.list()
}

func (s *Scheduler) Snapshot() GateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GateSnapshot{
		Limit:     s.gate.limit,
		Active:    len(s.gate.active),
		OverLimit: s.gate.overLimit(),
		ActiveIDs: s.gate.ids(),
		QueueLen:  s.queue.len(),
		Claimed:   s.guard.keys(),
	}
}

// settleLocked moves t into a state reached by a stop, a failure, a completion
// or an early pause, and returns the notice for it.
func (s *Scheduler) settleLocked(t *task, to State, errMsg string) Notice {
	s.gate.release(t.id)
	s.cond.Broadcast()
	t.state = to
	t.updatedAt = s.now()
	switch to {
	case StateCompleted:
		// The thumbnail was written; the claim stays.
		t.percent = 100
		t.status = ""
		n := s.noticeLocked(t)
		s.reg.purge(t.id)
		return n
	case StatePaused:
		s.relinquishLocked(t)
		s.reg.retain(t)
	case StateError:
		s.relinquishLocked(t)
		t.lastErr = errMsg
		t.status = ""
		s.reg.retain(t)
	case StateCancelled:
		s.relinquishLocked(t)
		n := s.noticeLocked(t)
		s.reg.purge(t.id)
		return n
	}
	return s.noticeLocked(t)
}

func (s *Scheduler) relinquishLocked(t *task) {
	if !t.claimed {
		return
	}
	s.guard.relinquish(t.key)
	t.claimed = false
}

func (s *Scheduler) noticeLocked(t *task) Notice {
	return Notice{
		TaskID:     t.id,
		Generation: t.gen,
		State:      t.state,
		URL:        t.spec.URL,
		Quality:    t.spec.Quality,
		Percent:    t.percent,
		Status:     t.status,
		Path:       t.path,
		Error:      t.lastErr,
		Time:       t.updatedAt,
	}
}

// publish is called with s.mu held so each task's notices keep their order.
// Bus.Publish never blocks.
func (s *Scheduler) publish(typ string, n Notice) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: n.Time, Data: n})
}
