package fetch

import (
	"strings"

	logx "fetchd/pkg/logx"
)

// genSink is the event sink for one generation of one task. Events from a
// superseded generation, or arriving after the generation settled, are dropped.
type genSink struct {
	s   *Scheduler
	id  string
	gen uint64
}

var _ Sink = (*genSink)(nil)

// currentLocked returns the task if this sink still owns a running generation.
func (k *genSink) currentLocked() (*task, bool) {
	t, ok := k.s.reg.get(k.id)
	if !ok || t.gen != k.gen || t.state != StateDownloading {
		return nil, false
	}
	return t, true
}

func (k *genSink) OnProgress(percent int, status string) {
	s := k.s
	s.mu.Lock()
	t, ok := k.currentLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	t.percent = min(max(percent, 0), 100)
	t.status = status
	t.updatedAt = s.now()
	s.publish(EventProgress, s.noticeLocked(t))
	s.mu.Unlock()
}

func (k *genSink) OnComplete(path string) {
	s := k.s
	s.mu.Lock()
	t, ok := k.currentLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	t.path = path
	s.publish(EventCompleted, s.settleLocked(t, StateCompleted, ""))
	s.mu.Unlock()

	s.log.Info("task.completed", logx.String("task_id", k.id), logx.Uint64("gen", k.gen), logx.String("path", path))
}

// OnError routes a fetcher failure. The stop sentinel, or any error while a
// stop is pending, is a controlled stop; everything else is a task error.
func (k *genSink) OnError(message string) {
	s := k.s
	s.mu.Lock()
	t, ok := k.currentLocked()
	if !ok {
		s.mu.Unlock()
		return
	}
	reason := t.token.Reason()
	if reason == "" {
		reason, _ = ParseStopMessage(message)
	}

	var (
		n   Notice
		typ string
	)
	switch reason {
	case StopPause:
		n = s.settleLocked(t, StatePaused, "")
		typ = EventPaused
	case StopCancel:
		n = s.settleLocked(t, StateCancelled, "")
		typ = EventCancelled
	default:
		msg := strings.TrimSpace(message)
		if msg == "" {
			msg = "unknown error"
		}
		n = s.settleLocked(t, StateError, msg)
		typ = EventFailed
	}
	s.publish(typ, n)
	s.mu.Unlock()

	switch typ {
	case EventFailed:
		s.log.Warn("task.failed", logx.String("task_id", k.id), logx.Uint64("gen", k.gen), logx.String("err", n.Error))
	case EventPaused:
		s.log.Info("task.paused", logx.String("task_id", k.id), logx.Uint64("gen", k.gen), logx.Bool("started", true))
	default:
		s.log.Info("task.cancelled", logx.String("task_id", k.id), logx.Uint64("gen", k.gen), logx.Bool("started", true))
	}
}
