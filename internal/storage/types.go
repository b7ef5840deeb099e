package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("history disabled")
	ErrNotFound = errors.New("history record not found")
)

// DefaultMaxRecords is the retention used by Prune callers when none is configured.
const DefaultMaxRecords = 500

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status values recorded for finished downloads.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is one finished download. Keep it compact and schema-stable.
type Record struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Quality    string    `json:"quality"`
	Path       string    `json:"path,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the history API used by the app and the HTTP surface.
type Store interface {
	// Add stores r, filling ID and FinishedAt when empty.
	Add(ctx context.Context, r Record) (Record, error)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
	// Search matches q case-insensitively against title and URL, newest first.
	Search(ctx context.Context, q string, limit int) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Delete(ctx context.Context, id string) error
	// Clear removes everything and reports how many records were dropped.
	Clear(ctx context.Context) (int, error)
	// Prune keeps the newest max records and reports how many were dropped.
	Prune(ctx context.Context, max int) (int, error)
	Close() error
}

func matches(r Record, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Title), q) || strings.Contains(strings.ToLower(r.URL), q)
}
