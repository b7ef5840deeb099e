package fetch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrStateConflict = errors.New("task state conflict")
	ErrInvalidSpec   = errors.New("invalid task spec")
	ErrClosed        = errors.New("scheduler closed")
)

// StopReason tells a running fetcher why it is being asked to stop.
type StopReason string

const (
	StopPause  StopReason = "pause"
	StopCancel StopReason = "cancel"
)

const stopPrefix = "__stopped__:"

// StopMessage is the sentinel text a fetcher passes to OnError when it
// stopped because it observed a stop request.
func StopMessage(r StopReason) string { return stopPrefix + string(r) }

// ParseStopMessage reports whether msg is a sentinel produced by StopMessage.
func ParseStopMessage(msg string) (StopReason, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(msg), stopPrefix)
	if !ok {
		return "", false
	}
	switch StopReason(rest) {
	case StopPause:
		return StopPause, true
	case StopCancel:
		return StopCancel, true
	}
	return "", false
}

// StopError is a controlled stop raised by a fetcher. It is routed to Paused
// or Cancelled and never surfaced as a failure.
type StopError struct {
	Reason StopReason
}

func (e *StopError) Error() string { return StopMessage(e.Reason) }

// NewStopError returns the controlled stop error for r.
func NewStopError(r StopReason) error { return &StopError{Reason: r} }

// IsStop reports whether err is (or wraps) a controlled stop and returns its reason.
func IsStop(err error) (StopReason, bool) {
	var se *StopError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	if err != nil {
		return ParseStopMessage(err.Error())
	}
	return "", false
}

// FetchError is any other fetcher failure. The task moves to Error and can be retried.
type FetchError struct {
	TaskID string
	Msg    string
}

func (e *FetchError) Error() string {
	if e.TaskID == "" {
		return "fetch failed: " + e.Msg
	}
	return fmt.Sprintf("fetch %s failed: %s", e.TaskID, e.Msg)
}
