package fetch

import (
	"errors"
	"fmt"
	"testing"
)

func TestClampLimit(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want int }{
		{in: -1, want: 1},
		{in: 0, want: 1},
		{in: 1, want: 1},
		{in: 8, want: 8},
		{in: 16, want: 16},
		{in: 17, want: 16},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFragmentHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		limit, override, want int
	}{
		{limit: 1, want: 8},
		{limit: 3, want: 2},
		{limit: 8, want: 1},
		{limit: 16, want: 1},
		{limit: 0, want: 8},
		{limit: 4, override: 12, want: 12},
		{limit: 4, override: 40, want: 16},
	}
	for _, tt := range tests {
		if got := FragmentHint(tt.limit, tt.override); got != tt.want {
			t.Fatalf("FragmentHint(%d, %d) = %d, want %d", tt.limit, tt.override, got, tt.want)
		}
	}
}

func TestAdmissionQueueFIFOAcrossCompaction(t *testing.T) {
	t.Parallel()
	var q admissionQueue
	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 100; i++ {
			q.push(entry{id: fmt.Sprint(round*100 + i), gen: 1})
		}
		for i := 0; i < 80; i++ {
			e, ok := q.pop()
			if !ok {
				t.Fatal("queue drained early")
			}
			if e.id != fmt.Sprint(next) {
				t.Fatalf("pop = %s, want %d", e.id, next)
			}
			next++
		}
	}
	if q.len() != 100 {
		t.Fatalf("len = %d, want 100", q.len())
	}
}

func TestGateReleaseUnknown(t *testing.T) {
	t.Parallel()
	g := newGate(2)
	g.acquire("a")
	if g.release("b") {
		t.Fatal("release of a non-holder reported true")
	}
	if !g.release("a") || g.holds("a") {
		t.Fatal("release of holder failed")
	}
	if !g.available() {
		t.Fatal("gate should be available after release")
	}
}

func TestGuardRelinquishIdempotent(t *testing.T) {
	t.Parallel()
	g := newGuard()
	if !g.tryClaim("k") {
		t.Fatal("first claim should win")
	}
	if g.tryClaim("k") {
		t.Fatal("second claim should lose")
	}
	g.relinquish("k")
	g.relinquish("k")
	if len(g.keys()) != 0 {
		t.Fatalf("keys = %v after relinquish", g.keys())
	}
	if !g.tryClaim("k") {
		t.Fatal("claim after relinquish should win")
	}
	if g.tryClaim("") {
		t.Fatal("empty key must never be claimed")
	}
}

func TestResourceKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "youtube watch", in: "https://www.youtube.com/watch?v=abc&list=x", want: "youtube.com/watch?v=abc"},
		{name: "mobile host", in: "https://m.youtube.com/watch?v=abc", want: "youtube.com/watch?v=abc"},
		{name: "trailing slash", in: "https://vimeo.com/12345/", want: "vimeo.com/12345"},
		{name: "case", in: "HTTPS://Example.COM/Video", want: "example.com/Video"},
		{name: "not a url", in: "  just-text ", want: "just-text"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ResourceKey(tt.in); got != tt.want {
				t.Fatalf("ResourceKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStopMessages(t *testing.T) {
	t.Parallel()
	for _, r := range []StopReason{StopPause, StopCancel} {
		got, ok := ParseStopMessage(StopMessage(r))
		if !ok || got != r {
			t.Fatalf("ParseStopMessage(StopMessage(%s)) = %s, %v", r, got, ok)
		}
		wrapped := fmt.Errorf("download: %w", NewStopError(r))
		if got, ok := IsStop(wrapped); !ok || got != r {
			t.Fatalf("IsStop(wrapped %s) = %s, %v", r, got, ok)
		}
	}
	if _, ok := ParseStopMessage("__stopped__:later"); ok {
		t.Fatal("unknown reason parsed")
	}
	if _, ok := IsStop(errors.New("HTTP Error 403")); ok {
		t.Fatal("plain error treated as stop")
	}
}

func TestTokenUpgrade(t *testing.T) {
	t.Parallel()
	tok := NewToken()
	if tok.IsSet() {
		t.Fatal("new token is set")
	}
	if !tok.Set(StopPause) {
		t.Fatal("first Set should change the token")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed after Set")
	}
	if tok.Set(StopPause) {
		t.Fatal("repeated pause should not change the token")
	}
	if !tok.Set(StopCancel) || tok.Reason() != StopCancel {
		t.Fatal("cancel should upgrade a pending pause")
	}
	if tok.Set(StopPause) || tok.Reason() != StopCancel {
		t.Fatal("pause must not downgrade a cancel")
	}
}

func TestGateCeilingFallsAfterShrink(t *testing.T) {
	t.Parallel()
	g := newGate(3)
	for _, id := range []string{"a", "b", "c"} {
		g.acquire(id)
	}
	g.setLimit(1)
	steps := []struct {
		release          string
		bound, overLimit int
		available        bool
	}{
		{release: "", bound: 3, overLimit: 2},
		{release: "a", bound: 2, overLimit: 1},
		{release: "b", bound: 1, overLimit: 0},
		{release: "c", bound: 1, overLimit: 0, available: true},
	}
	for _, st := range steps {
		if st.release != "" && !g.release(st.release) {
			t.Fatalf("release(%s) = false", st.release)
		}
		if g.bound() != st.bound || g.overLimit() != st.overLimit || g.available() != st.available {
			t.Fatalf("after release(%q): bound=%d over=%d available=%v", st.release, g.bound(), g.overLimit(), g.available())
		}
	}

	// Growing past the running count drops the ceiling to the new limit.
	g.acquire("d")
	g.setLimit(4)
	if g.bound() != 4 || !g.available() {
		t.Fatalf("after grow: bound=%d available=%v", g.bound(), g.available())
	}
}
