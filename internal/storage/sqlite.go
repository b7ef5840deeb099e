package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "fetchd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *sqliteStore) Add(ctx context.Context, r Record) (Record, error) {
	r = stamp(r)
	_, err := s.exec(ctx,
		`INSERT INTO history(id, task_id, url, title, quality, path, status, err, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, r.URL, r.Title, r.Quality, r.Path, r.Status, nullStr(r.Error), r.FinishedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

const selectCols = `SELECT id, task_id, url, title, quality, path, status, err, finished_at FROM history`

func (s *sqliteStore) List(ctx context.Context, limit int) ([]Record, error) {
	return s.Search(ctx, "", limit)
}

func (s *sqliteStore) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	query := selectCols
	args := []any{}
	if q = strings.TrimSpace(q); q != "" {
		like := "%" + escapeLike(strings.ToLower(q)) + "%"
		query += ` WHERE lower(title) LIKE ? ESCAPE '\' OR lower(url) LIKE ? ESCAPE '\'`
		args = append(args, like, like)
	}
	query += ` ORDER BY finished_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	n, err := s.exec(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Clear(ctx context.Context) (int, error) {
	n, err := s.exec(ctx, `DELETE FROM history`)
	return int(n), err
}

func (s *sqliteStore) Prune(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	n, err := s.exec(ctx,
		`DELETE FROM history WHERE id NOT IN (
		   SELECT id FROM history ORDER BY finished_at DESC, rowid DESC LIMIT ?)`, max)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("history pruned", logx.Int64("dropped", n))
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r     Record
		errS  sql.NullString
		nanos int64
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &r.URL, &r.Title, &r.Quality, &r.Path, &r.Status, &errS, &nanos); err != nil {
		return Record{}, err
	}
	r.Error = errS.String
	r.FinishedAt = time.Unix(0, nanos)
	return r, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
