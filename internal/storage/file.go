package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "fetchd/pkg/logx"
)

// fileStore keeps history in memory and rewrites a single JSON document on
// every change (temp file + rename). Records are held oldest first.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	records []Record
	closed  bool
}

type fileDoc struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(strings.TrimSpace(string(b))) > 0:
		var doc fileDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		s.records = doc.Records
		sort.SliceStable(s.records, func(i, j int) bool {
			return s.records[i].FinishedAt.Before(s.records[j].FinishedAt)
		})
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// flushLocked writes the document atomically.
func (s *fileStore) flushLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fileDoc{Version: 1, Records: s.records}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Add(ctx context.Context, r Record) (Record, error) {
	_ = ctx
	r = stamp(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrDisabled
	}
	// Keep oldest-first order even when r carries an earlier timestamp.
	i := sort.Search(len(s.records), func(i int) bool { return s.records[i].FinishedAt.After(r.FinishedAt) })
	s.records = append(s.records, Record{})
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = r
	if err := s.flushLocked(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *fileStore) List(ctx context.Context, limit int) ([]Record, error) {
	return s.Search(ctx, "", limit)
}

func (s *fileStore) Search(ctx context.Context, q string, limit int) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, min(len(s.records), 64))
	for i := len(s.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if matches(s.records[i], q) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return s.flushLocked()
		}
	}
	return ErrNotFound
}

func (s *fileStore) Clear(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = nil
	return n, s.flushLocked()
}

func (s *fileStore) Prune(ctx context.Context, max int) (int, error) {
	_ = ctx
	if max <= 0 {
		max = DefaultMaxRecords
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := len(s.records) - max
	if drop <= 0 {
		return 0, nil
	}
	s.records = append([]Record(nil), s.records[drop:]...)
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	s.log.Debug("history pruned", logx.Int("dropped", drop), logx.Int("kept", len(s.records)))
	return drop, nil
}
