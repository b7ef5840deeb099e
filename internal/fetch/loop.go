package fetch

import (
	"context"
	"fmt"
	"runtime/debug"

	logx "fetchd/pkg/logx"
)

// launch is an admitted job handed from the locked section to the caller.
type launch struct {
	job Job
}

// admission is the outcome of resolving one queue entry. Both fields are
// zero when the entry was stale.
type admission struct {
	launch    *launch
	cancelled string
}

func (s *Scheduler) loop(ctx context.Context) error {
	for {
		a, ok := s.admitNext()
		if !ok {
			return context.Canceled
		}
		if a.cancelled != "" {
			s.log.Info("task.cancelled", logx.String("task_id", a.cancelled), logx.Bool("started", false))
		}
		if a.launch != nil {
			s.run(a.launch)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// admitNext resolves exactly one queue entry. It returns false once the
// scheduler is closed.
func (s *Scheduler) admitNext() (admission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return admission{}, false
	}
	e, _ := s.queue.pop()

	t, ok := s.admissible(e)
	if !ok {
		return admission{}, true
	}
	if t.token.IsSet() {
		s.publish(EventCancelled, s.settleLocked(t, StateCancelled, ""))
		return admission{cancelled: t.id}, true
	}

	// The only blocking point: wait for a slot, re-checking after every wake.
	// A head entry that went stale while waiting is dropped without a slot.
	for !s.gate.available() && !s.closed {
		s.cond.Wait()
		if _, ok := s.admissible(e); !ok {
			return admission{}, true
		}
	}
	if s.closed {
		return admission{}, false
	}
	s.gate.acquire(e.id)

	// The task may have been paused or cancelled while we waited.
	t, ok = s.admissible(e)
	if !ok {
		s.gate.release(e.id)
		s.cond.Broadcast()
		return admission{}, true
	}
	if t.token.IsSet() {
		s.publish(EventCancelled, s.settleLocked(t, StateCancelled, ""))
		return admission{cancelled: t.id}, true
	}

	thumb := false
	if t.spec.WriteThumbnail {
		if t.claimed || s.guard.tryClaim(t.key) {
			t.claimed = true
			thumb = true
		}
	}

	t.state = StateDownloading
	t.percent = 0
	t.status = ""
	t.updatedAt = s.now()

	s.publish(EventStarted, s.noticeLocked(t))
	return admission{launch: &launch{
		job: Job{
			TaskID:          t.id,
			Generation:      t.gen,
			Spec:            t.spec,
			ResourceKey:     t.key,
			WriteThumbnail:  thumb,
			FragmentThreads: t.spec.FragmentThreads,
			Token:           t.token,
		},
	}}, true
}

// admissible returns the task for e if e still refers to its current,
// queued generation.
func (s *Scheduler) admissible(e entry) (*task, bool) {
	t, ok := s.reg.get(e.id)
	if !ok || t.gen != e.gen || t.state != StateQueued {
		return nil, false
	}
	return t, true
}

// run builds and starts the fetcher outside the lock. Failures become a
// task error; they never stop the loop.
func (s *Scheduler) run(l *launch) {
	job := l.job
	s.log.Info("task.started",
		logx.String("task_id", job.TaskID),
		logx.Uint64("gen", job.Generation),
		logx.Bool("thumbnail", job.WriteThumbnail),
		logx.Int("fragments", job.FragmentThreads),
	)

	sink := &genSink{s: s, id: job.TaskID, gen: job.Generation}
	f, err := s.build(job, sink)
	if err != nil {
		sink.OnError(err.Error())
		return
	}

	s.mu.Lock()
	t, ok := s.reg.get(job.TaskID)
	current := ok && t.gen == job.Generation && t.state == StateDownloading
	if current {
		t.fetcher = f
	}
	pending := job.Token.Reason()
	s.mu.Unlock()

	// A stop requested before the fetcher was registered is forwarded now.
	if pending != "" {
		f.RequestStop(pending)
	}
	if !current {
		return
	}
	if err := s.safeStart(f); err != nil {
		sink.OnError(err.Error())
	}
}

func (s *Scheduler) build(job Job, sink Sink) (f Fetcher, err error) {
	if s.factory == nil {
		return nil, &FetchError{TaskID: job.TaskID, Msg: "no fetcher configured"}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.panic", logx.String("task_id", job.TaskID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &FetchError{TaskID: job.TaskID, Msg: fmt.Sprintf("panic: %v", r)}
		}
	}()
	f, err = s.factory(job, sink)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &FetchError{TaskID: job.TaskID, Msg: "fetcher is nil"}
	}
	return f, nil
}

func (s *Scheduler) safeStart(f Fetcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	f.Start()
	return nil
}
