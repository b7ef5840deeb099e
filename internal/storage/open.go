package storage

import (
	"fmt"
	"strings"
	"time"

	logx "fetchd/pkg/logx"

	"github.com/google/uuid"
)

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"json":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store named by cfg.Driver, or (nil, nil) when history is
// switched off ("", "none", "disabled", "off").
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch name {
	case "", "none", "disabled", "off":
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	return open(cfg, log.With(logx.String("component", "history"), logx.String("driver", name)))
}

// stamp fills the generated fields of a record about to be added.
func stamp(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now().UTC()
	}
	return r
}
