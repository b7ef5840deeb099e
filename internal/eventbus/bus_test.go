package eventbus

import (
	"testing"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: "task.queued"})
	b.Publish(Event{Type: "task.started"})

	if got := len(a); got != 1 {
		t.Fatalf("small subscriber buffered %d, want 1", got)
	}
	if got := len(c); got != 2 {
		t.Fatalf("large subscriber buffered %d, want 2", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}
	ev := <-c
	if ev.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "task.progress"})
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()
	b := New()
	tasks, unsubT := b.Subscribe(1, "task.")
	defer unsubT()
	all, unsubA := b.Subscribe(4)
	defer unsubA()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "task.queued"})

	if got := len(tasks); got != 1 {
		t.Fatalf("task subscriber buffered %d, want 1", got)
	}
	if ev := <-tasks; ev.Type != "task.queued" {
		t.Fatalf("task subscriber got %q", ev.Type)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber buffered %d, want 2", got)
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events counted as dropped: %d", b.Dropped())
	}
}

func TestEventMatch(t *testing.T) {
	t.Parallel()
	e := Event{Type: "task.completed"}
	tests := []struct {
		prefixes []string
		want     bool
	}{
		{prefixes: nil, want: true},
		{prefixes: []string{"task."}, want: true},
		{prefixes: []string{"config.", "task.comp"}, want: true},
		{prefixes: []string{"config."}, want: false},
	}
	for _, tt := range tests {
		if got := e.Match(tt.prefixes...); got != tt.want {
			t.Fatalf("Match(%v) = %v, want %v", tt.prefixes, got, tt.want)
		}
	}
}
