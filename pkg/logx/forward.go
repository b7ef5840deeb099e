package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers one formatted log line. The telegram notify sink implements it.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

const (
	forwardQueue   = 256
	forwardTimeout = 10 * time.Second
	maxMessage     = 3500
	maxValue       = 600
	maxStack       = 900
)

// forwarder is a zerolog.LevelWriter that hands formatted lines to a
// background goroutine. Write never blocks; a full queue drops the line.
type forwarder struct {
	mu      sync.Mutex
	sender  Sender
	floor   zerolog.Level
	limiter *rate.Limiter
	queue   chan string
	cancel  context.CancelFunc
	done    chan struct{}
}

func newForwarder() *forwarder {
	return &forwarder{
		floor:   zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan string, forwardQueue),
	}
}

func (f *forwarder) setSender(s Sender) {
	f.mu.Lock()
	f.sender = s
	f.mu.Unlock()
}

func (f *forwarder) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.floor = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && f.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.loop(ctx, f.done)
	}
}

func (f *forwarder) stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (f *forwarder) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-f.queue:
			f.mu.Lock()
			s := f.sender
			f.mu.Unlock()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, forwardTimeout)
			_ = s.SendLog(sctx, line)
			cancel()
		}
	}
}

func (f *forwarder) Write(p []byte) (int, error) { return f.WriteLevel(zerolog.InfoLevel, p) }

func (f *forwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	ok := f.sender != nil && level >= f.floor && f.limiter.Allow()
	f.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if line := formatLine(p); line != "" {
		select {
		case f.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatLine renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field in key order. Non-JSON input is passed
// through trimmed.
func formatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), maxMessage)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(fmt.Sprint(m[k]), maxStack))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), maxValue))
	}
	return clip(b.String(), maxMessage)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
