package logx

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{in: "debug", want: zerolog.DebugLevel},
		{in: " WARNING ", want: zerolog.WarnLevel},
		{in: "error", want: zerolog.ErrorLevel},
		{in: "bogus", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestFormatLine(t *testing.T) {
	t.Parallel()
	got := formatLine([]byte(`{"level":"warn","message":"task.failed","task_id":"abc","err":"boom","time":"x"}`))
	want := "[WARN] task.failed\n- err=boom\n- task_id=abc"
	if got != want {
		t.Fatalf("formatLine = %q, want %q", got, want)
	}
	if got := formatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("raw line = %q", got)
	}
	if got := formatLine([]byte(strings.Repeat("x", maxMessage+10))); len(got) != maxMessage || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line not clipped: %d", len(got))
	}
}

func TestIsTerminalOnBuffer(t *testing.T) {
	t.Parallel()
	if isTerminal(&bytes.Buffer{}) {
		t.Fatal("a buffer is never a terminal")
	}
}

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		Console:  false,
		File:     FileConfig{Enabled: true, Path: t.TempDir() + "/fetchd.log"},
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()
	sender := &captureSender{}
	svc.SetSender(sender)

	log.Info("task.completed", String("task_id", "a"))
	log.Warn("task.failed", String("task_id", "b"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if n := sender.count(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestApplySwapsFileAndLevel(t *testing.T) {
	path := t.TempDir() + "/fetchd.log"
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	scoped := log.With(String("component", "fetch"))
	scoped.Debug("hidden")
	scoped.Info("shown")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	scoped.Debug("now shown")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if strings.Contains(out, `"hidden"`) || !strings.Contains(out, `"shown"`) || !strings.Contains(out, `"now shown"`) {
		t.Fatalf("log file:\n%s", out)
	}
	if !strings.Contains(out, `"component":"fetch"`) || !strings.Contains(out, `"caller":"logging_test.go:`) {
		t.Fatalf("missing fields:\n%s", out)
	}
}
