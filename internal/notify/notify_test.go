package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fetchd/internal/eventbus"
	"fetchd/internal/fetch"
	logx "fetchd/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type captureSink struct {
	mu    sync.Mutex
	types []string
	fails int
	delay time.Duration
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Notify(_ context.Context, typ string, _ fetch.Notice) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("flaky")
	}
	c.types = append(c.types, typ)
	return nil
}

func (c *captureSink) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

func waitLen(t *testing.T, c *captureSink, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.got(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sink got %v, want %d notices", c.got(), n)
	return nil
}

func TestHubThrottlesProgressOnly(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &captureSink{}
	h := NewHub(Options{ProgressRate: 0.001}, logx.Nop(), bus, sink)
	h.Start(context.Background())
	defer h.Stop(context.Background())

	n := fetch.Notice{TaskID: "a"}
	bus.Publish(eventbus.Event{Type: fetch.EventStarted, Data: n})
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: fetch.EventProgress, Data: n})
	}
	bus.Publish(eventbus.Event{Type: fetch.EventCompleted, Data: n})
	bus.Publish(eventbus.Event{Type: "config.reloaded", Data: "ignored"})

	got := waitLen(t, sink, 3)
	want := []string{fetch.EventStarted, fetch.EventProgress, fetch.EventCompleted}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	if h.Throttled() != 4 {
		t.Fatalf("throttled = %d, want 4", h.Throttled())
	}
}

func TestHubRetriesFailedDelivery(t *testing.T) {
	t.Parallel()
	sink := &captureSink{fails: 2}
	h := NewHub(Options{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, logx.Nop(), eventbus.New(), sink)
	h.Start(context.Background())
	defer h.Stop(context.Background())

	h.Dispatch(fetch.EventFailed, fetch.Notice{TaskID: "a"})
	if got := waitLen(t, sink, 1); got[0] != fetch.EventFailed {
		t.Fatalf("got %v", got)
	}
}

func TestHubStopDeliversBufferedNotices(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &captureSink{delay: 10 * time.Millisecond}
	h := NewHub(Options{}, logx.Nop(), bus, sink)
	h.Start(context.Background())

	for _, typ := range []string{fetch.EventStarted, fetch.EventPaused, fetch.EventQueued, fetch.EventStarted, fetch.EventCompleted} {
		bus.Publish(eventbus.Event{Type: typ, Data: fetch.Notice{TaskID: "a"}})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sink.got(); len(got) != 5 || got[1] != fetch.EventPaused {
		t.Fatalf("delivered %v before Stop returned", got)
	}
}

func TestHubForgetsLimiterWhenTaskSettles(t *testing.T) {
	t.Parallel()
	h := NewHub(Options{}, logx.Nop(), eventbus.New())
	for _, typ := range []string{fetch.EventFailed, fetch.EventPaused, fetch.EventCompleted, fetch.EventCancelled} {
		h.Dispatch(fetch.EventProgress, fetch.Notice{TaskID: "a"})
		if len(h.limiters) != 1 {
			t.Fatalf("limiters = %d after progress", len(h.limiters))
		}
		h.Dispatch(typ, fetch.Notice{TaskID: "a"})
		if len(h.limiters) != 0 {
			t.Fatalf("%s left a limiter behind", typ)
		}
	}
}

func TestHubDropsWhenSinkQueueFull(t *testing.T) {
	t.Parallel()
	h := NewHub(Options{QueueSize: 1}, logx.Nop(), eventbus.New(), &captureSink{})
	// Not started: the queue never drains.
	h.Dispatch(fetch.EventQueued, fetch.Notice{TaskID: "a"})
	h.Dispatch(fetch.EventQueued, fetch.Notice{TaskID: "b"})
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", h.Dropped())
	}
}

type fakeController struct {
	submitted []string
	limit     int
	paused    string
}

func (f *fakeController) Submit(url, quality string) (string, error) {
	f.submitted = append(f.submitted, url+"|"+quality)
	return "id-1", nil
}
func (f *fakeController) List() []fetch.TaskInfo {
	return []fetch.TaskInfo{{ID: "id-1", State: fetch.StateDownloading, Percent: 42, URL: "https://x"}}
}
func (f *fakeController) Pause(id string) error {
	f.paused = id
	return nil
}
func (f *fakeController) Resume(id string) error { return fetch.ErrStateConflict }
func (f *fakeController) Retry(id string) error  { return nil }
func (f *fakeController) Cancel(id string) error { return fetch.ErrNotFound }
func (f *fakeController) SetLimit(n int) int {
	f.limit = fetch.ClampLimit(n)
	return f.limit
}
func (f *fakeController) Limit() int { return f.limit }

func TestTelegramCommands(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{limit: 3}
	tg := &Telegram{ctl: ctl, log: logx.Nop()}
	tg.SetAccess(nil, []int64{7})

	tests := []struct {
		sender int64
		cmd    string
		args   []string
		want   string
	}{
		{sender: 8, cmd: "/list", want: "not allowed"},
		{sender: 7, cmd: "/add", want: "usage: /add"},
		{sender: 7, cmd: "/add", args: []string{"https://y", "720p"}, want: "queued id-1"},
		{sender: 7, cmd: "/list", want: "id-1 downloading  42% https://x"},
		{sender: 7, cmd: "/pause", args: []string{"id-1"}, want: "ok"},
		{sender: 7, cmd: "/resume", args: []string{"id-1"}, want: "resume failed: " + fetch.ErrStateConflict.Error()},
		{sender: 7, cmd: "/cancel", args: []string{"nope"}, want: "cancel failed"},
		{sender: 7, cmd: "/limit", want: "limit 3"},
		{sender: 7, cmd: "/limit", args: []string{"99"}, want: "limit 16"},
		{sender: 7, cmd: "/limit", args: []string{"x"}, want: "usage: /limit"},
		{sender: 7, cmd: "/help", want: "commands:"},
	}
	for _, tt := range tests {
		if got := tg.exec(tt.sender, tt.cmd, tt.args); !strings.HasPrefix(got, tt.want) {
			t.Fatalf("exec(%d, %s, %v) = %q, want prefix %q", tt.sender, tt.cmd, tt.args, got, tt.want)
		}
	}
	if len(ctl.submitted) != 1 || ctl.submitted[0] != "https://y|720p" || ctl.paused != "id-1" {
		t.Fatalf("controller saw %+v", ctl)
	}
}

type idlePoller struct{}

func (idlePoller) Poll(_ *tele.Bot, _ chan tele.Update, stop chan struct{}) { <-stop }

func closedWithin(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func TestTelegramStopsOncePerRun(t *testing.T) {
	t.Parallel()
	b, err := tele.NewBot(tele.Settings{Token: "x", Offline: true, Poller: idlePoller{}})
	if err != nil {
		t.Fatal(err)
	}
	tg := &Telegram{bot: b, log: logx.Nop()}

	// Context cancel and Stop both end the first run.
	ctx, cancel := context.WithCancel(context.Background())
	tg.Start(ctx)
	first := tg.done
	cancel()
	if !closedWithin(first, 2*time.Second) {
		t.Fatal("polling did not stop on context cancel")
	}
	if err := tg.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A stale stop request from the first run must not end the second.
	tg.Start(context.Background())
	second := tg.done
	if closedWithin(second, 100*time.Millisecond) {
		t.Fatal("second run stopped on its own")
	}
	if err := tg.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !closedWithin(second, 2*time.Second) {
		t.Fatal("second run not stopped")
	}
}

func TestNoticeText(t *testing.T) {
	t.Parallel()
	n := fetch.Notice{TaskID: "0123456789", URL: "https://x", Path: "/dl/a.mp4", Error: "boom", Percent: 30}
	tests := []struct{ typ, want string }{
		{typ: fetch.EventCompleted, want: "/dl/a.mp4"},
		{typ: fetch.EventFailed, want: "boom"},
		{typ: fetch.EventPaused, want: "30%"},
		{typ: fetch.EventCancelled, want: "01234567"},
	}
	for _, tt := range tests {
		if got := NoticeText(tt.typ, n); !strings.Contains(got, tt.want) {
			t.Fatalf("NoticeText(%s) = %q, want %q", tt.typ, got, tt.want)
		}
	}
	if NoticeText(fetch.EventProgress, n) != "" {
		t.Fatal("progress notices must not be sent to chats")
	}
}

func TestRedisStatusFields(t *testing.T) {
	t.Parallel()
	n := fetch.Notice{TaskID: "a", Generation: 2, State: fetch.StateQueued, Percent: 0, Time: time.Unix(0, 0)}
	m := statusFields(n)
	if m["generation"] != "2" || m["state"] != "queued" || m["error"] != "" {
		t.Fatalf("fields = %v", m)
	}
	s := NewRedisSinkWithClient(nil, "fetchd:", 0)
	if s.TaskKey("a") != "fetchd:task:a" || s.EventsChannel() != "fetchd:events" || s.ttl != 24*time.Hour {
		t.Fatalf("keys = %s %s %v", s.TaskKey("a"), s.EventsChannel(), s.ttl)
	}
	for typ, want := range map[string]bool{fetch.EventCompleted: true, fetch.EventPaused: true, fetch.EventProgress: false, fetch.EventQueued: false} {
		if settles(typ) != want {
			t.Fatalf("settles(%s) != %v", typ, want)
		}
	}
}
