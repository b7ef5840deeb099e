package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"fetchd/internal/eventbus"
	"fetchd/internal/fetch"
	rtsup "fetchd/internal/runtime/supervisor"
	logx "fetchd/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrStopped = errors.New("notify hub stopped")

// Sink consumes task notices. Notify is called from one goroutine per sink.
type Sink interface {
	Name() string
	Notify(ctx context.Context, typ string, n fetch.Notice) error
}

// Options configures the hub.
//
// Defaults (when fields are omitted/zero):
//   - progress_rate: 1 per task per second
//   - queue_size: 256 per sink
//   - retry_max: 3
//   - retry_base: 500ms, retry_max_delay: 10s
type Options struct {
	ProgressRate  float64
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type delivery struct {
	typ string
	n   fetch.Notice
}

type outlet struct {
	sink Sink
	ch   chan delivery
}

// Hub fans bus notices out to sinks. Progress notices are throttled per task;
// lifecycle notices always pass.
type Hub struct {
	log  logx.Logger
	bus  eventbus.Bus
	opts Options

	mu       sync.Mutex
	limit    rate.Limit
	limiters map[string]*rate.Limiter
	outs     []*outlet
	sup      *rtsup.Supervisor
	unsub    func()
	drain    chan struct{}

	dropped   atomic.Uint64
	throttled atomic.Uint64
}

func NewHub(opts Options, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.ProgressRate <= 0 {
		opts.ProgressRate = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Second
	}
	h := &Hub{
		log:      log.With(logx.String("comp", "notify")),
		bus:      bus,
		opts:     opts,
		limit:    rate.Limit(opts.ProgressRate),
		limiters: map[string]*rate.Limiter{},
	}
	for _, s := range sinks {
		if s != nil {
			h.outs = append(h.outs, &outlet{sink: s, ch: make(chan delivery, opts.QueueSize)})
		}
	}
	return h
}

// SetProgressRate changes the per-task progress budget. Existing limiters are updated in place.
func (h *Hub) SetProgressRate(perSec float64) {
	if perSec <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = rate.Limit(perSec)
	for _, l := range h.limiters {
		l.SetLimit(h.limit)
	}
}

func (h *Hub) Sinks() []string {
	out := make([]string, 0, len(h.outs))
	for _, o := range h.outs {
		out = append(out, o.sink.Name())
	}
	return out
}

// Dropped counts deliveries skipped because a sink queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Throttled counts progress notices suppressed by the rate limit.
func (h *Hub) Throttled() uint64 { return h.throttled.Load() }

func (h *Hub) Supervisor() *rtsup.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sup
}

func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.sup != nil {
		h.mu.Unlock()
		return
	}
	ch, unsub := h.bus.Subscribe(1024, "task.")
	h.unsub = unsub
	h.drain = make(chan struct{})
	h.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(h.log), rtsup.WithCancelOnError(false))
	sup, drain := h.sup, h.drain
	h.mu.Unlock()

	sup.Go0("notify.dispatch", func(ctx context.Context) { h.dispatchLoop(ctx, ch, drain) })
	for _, o := range h.outs {
		o := o
		sup.Go0("notify."+o.sink.Name(), func(ctx context.Context) { h.serve(ctx, o, drain) })
	}
	h.log.Info("notify.started", logx.Any("sinks", h.Sinks()))
}

// Stop unsubscribes from the bus and delivers what is already buffered.
// Deliveries still pending when ctx expires are abandoned.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	sup, unsub := h.sup, h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	err := sup.Wait(ctx)
	sup.Cancel()
	h.log.Info("notify.stopped", logx.Uint64("dropped", h.dropped.Load()), logx.Uint64("throttled", h.throttled.Load()))
	return err
}

// dispatchLoop closes drain once the bus channel is closed and emptied.
func (h *Hub) dispatchLoop(ctx context.Context, ch <-chan eventbus.Event, drain chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				close(drain)
				return
			}
			n, ok := e.Data.(fetch.Notice)
			if !ok {
				continue
			}
			h.Dispatch(e.Type, n)
		}
	}
}

// Dispatch routes one notice to every sink queue, applying the progress throttle.
func (h *Hub) Dispatch(typ string, n fetch.Notice) {
	if !h.allow(typ, n) {
		h.throttled.Add(1)
		return
	}
	d := delivery{typ: typ, n: n}
	for _, o := range h.outs {
		select {
		case o.ch <- d:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) allow(typ string, n fetch.Notice) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch typ {
	case fetch.EventProgress:
		l := h.limiters[n.TaskID]
		if l == nil {
			l = rate.NewLimiter(h.limit, 1)
			h.limiters[n.TaskID] = l
		}
		return l.Allow()
	case fetch.EventCompleted, fetch.EventCancelled, fetch.EventFailed, fetch.EventPaused:
		delete(h.limiters, n.TaskID)
	}
	return true
}

func (h *Hub) serve(ctx context.Context, o *outlet, drain <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-o.ch:
			h.deliver(ctx, o.sink, d)
		case <-drain:
			for {
				select {
				case d := <-o.ch:
					h.deliver(ctx, o.sink, d)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(ctx context.Context, s Sink, d delivery) {
	attempts := 1 + h.opts.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.Notify(callCtx, d.typ, d.n)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		t := time.NewTimer(h.retryDelay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	h.log.Warn("notify.failed",
		logx.String("sink", s.Name()),
		logx.String("type", d.typ),
		logx.String("task_id", d.n.TaskID),
		logx.Err(lastErr),
	)
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func (h *Hub) retryDelay(attempt int) time.Duration {
	d := h.opts.RetryBase
	for i := 1; i < attempt && d < h.opts.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, h.opts.RetryMaxDelay)
}
