package fetch

import "sync"

// Token is the per-generation cancellation flag a fetcher polls.
//
// It is set at most once, except that a pending pause may be upgraded to cancel.
type Token struct {
	mu     sync.Mutex
	reason StopReason
	done   chan struct{}
}

func NewToken() *Token { return &Token{done: make(chan struct{})} }

// Set records r and reports whether the token changed.
func (t *Token) Set(r StopReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.reason {
	case "":
		t.reason = r
		close(t.done)
		return true
	case StopPause:
		if r == StopCancel {
			t.reason = r
			return true
		}
	}
	return false
}

func (t *Token) IsSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason != ""
}

// Reason returns the pending stop reason, or "" when unset.
func (t *Token) Reason() StopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done is closed once the token is set.
func (t *Token) Done() <-chan struct{} { return t.done }
