package downloads

import (
	"context"
	"path/filepath"
	"strings"

	"fetchd/internal/fetch"
	"fetchd/internal/storage"
)

// HistorySink appends a record for every completed or failed generation.
// It is registered on the notify hub so a slow store never blocks the scheduler.
type HistorySink struct {
	store storage.Store
}

func NewHistorySink(store storage.Store) *HistorySink { return &HistorySink{store: store} }

func (h *HistorySink) Name() string { return "history" }

func (h *HistorySink) Notify(ctx context.Context, typ string, n fetch.Notice) error {
	var status string
	switch typ {
	case fetch.EventCompleted:
		status = storage.StatusCompleted
	case fetch.EventFailed:
		status = storage.StatusFailed
	default:
		return nil
	}
	_, err := h.store.Add(ctx, storage.Record{
		TaskID:     n.TaskID,
		URL:        n.URL,
		Title:      Title(n.Path, n.URL),
		Quality:    n.Quality,
		Path:       n.Path,
		Status:     status,
		Error:      n.Error,
		FinishedAt: n.Time,
	})
	return err
}

// Title is the file name without extension and quality tag, or the URL.
func Title(path, url string) string {
	base := strings.TrimSpace(filepath.Base(path))
	if path == "" || base == "." || base == string(filepath.Separator) {
		return url
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if i := strings.LastIndex(base, " ["); i > 0 && strings.HasSuffix(base, "]") {
		base = base[:i]
	}
	return base
}
