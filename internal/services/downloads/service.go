package downloads

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"fetchd/internal/cookies"
	"fetchd/internal/fetch"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"
	logx "fetchd/pkg/logx"
)

// Defaults are applied to submissions that leave a field empty.
type Defaults struct {
	Dir          string
	Proxy        string
	CreateFolder bool
	Thumbnails   bool
	ConvertMP4   bool
	Cookies      map[string]string

	// MaxRecords bounds the history on each prune.
	MaxRecords int
}

// Request is a submission from a control surface. Nil or empty fields take
// the service defaults.
type Request struct {
	URL            string `json:"url"`
	Quality        string `json:"quality,omitempty"`
	OutputDir      string `json:"output_dir,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
	WriteThumbnail *bool  `json:"write_thumbnail,omitempty"`
	CreateFolder   *bool  `json:"create_folder,omitempty"`
	ConvertMP4     *bool  `json:"convert_mp4,omitempty"`
}

// Analyzer lists the qualities a URL offers without downloading it.
type Analyzer interface {
	Analyze(ctx context.Context, req ytdlp.InspectRequest) (ytdlp.Analysis, error)
}

type Service struct {
	sched   *fetch.Scheduler
	history storage.Store
	log     logx.Logger

	mu       sync.RWMutex
	defaults Defaults
	cookies  *cookies.Resolver
	analyzer Analyzer
}

// New wraps sched. history may be nil when the history is disabled.
func New(sched *fetch.Scheduler, history storage.Store, d Defaults, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sched: sched, history: history, log: log.With(logx.String("comp", "downloads"))}
	s.Apply(d)
	return s
}

// Apply swaps the defaults used for new submissions.
func (s *Service) Apply(d Defaults) {
	if d.MaxRecords <= 0 {
		d.MaxRecords = storage.DefaultMaxRecords
	}
	r := cookies.New(d.Cookies)
	s.mu.Lock()
	s.defaults = d
	s.cookies = r
	s.mu.Unlock()
}

func (s *Service) Defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Spec resolves req against the current defaults. A requested output dir is
// taken relative to the downloads dir and must stay inside it.
func (s *Service) Spec(req Request) (fetch.Spec, error) {
	s.mu.RLock()
	d, res := s.defaults, s.cookies
	s.mu.RUnlock()

	dir, err := outputDir(d.Dir, req.OutputDir)
	if err != nil {
		return fetch.Spec{}, err
	}
	spec := fetch.Spec{
		URL:            strings.TrimSpace(req.URL),
		Quality:        strings.TrimSpace(req.Quality),
		OutputDir:      dir,
		Proxy:          strings.TrimSpace(req.Proxy),
		WriteThumbnail: d.Thumbnails,
		CreateFolder:   d.CreateFolder,
		ConvertMP4:     d.ConvertMP4,
	}
	if spec.Proxy == "" {
		spec.Proxy = d.Proxy
	}
	if req.WriteThumbnail != nil {
		spec.WriteThumbnail = *req.WriteThumbnail
	}
	if req.CreateFolder != nil {
		spec.CreateFolder = *req.CreateFolder
	}
	if req.ConvertMP4 != nil {
		spec.ConvertMP4 = *req.ConvertMP4
	}
	if path, ok := res.Lookup(spec.URL); ok {
		spec.CookiesFile = path
	}
	return spec, nil
}

func outputDir(root, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return root, nil
	}
	if root == "" {
		return filepath.Clean(requested), nil
	}
	dir := requested
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(filepath.Clean(root), dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: output dir %q is outside %q", fetch.ErrInvalidSpec, requested, root)
	}
	return dir, nil
}

// SetAnalyzer installs the metadata reader used by Analyze.
func (s *Service) SetAnalyzer(a Analyzer) {
	s.mu.Lock()
	s.analyzer = a
	s.mu.Unlock()
}

// Analyze reads the title and offered qualities of url with the default
// proxy and the cookies file matching its domain.
func (s *Service) Analyze(ctx context.Context, url string) (ytdlp.Analysis, error) {
	s.mu.RLock()
	d, res, a := s.defaults, s.cookies, s.analyzer
	s.mu.RUnlock()
	if a == nil {
		return ytdlp.Analysis{}, ytdlp.ErrNoInspector
	}
	req := ytdlp.InspectRequest{URL: strings.TrimSpace(url), Proxy: d.Proxy}
	if req.URL == "" {
		return ytdlp.Analysis{}, fmt.Errorf("%w: url is required", fetch.ErrInvalidSpec)
	}
	if path, ok := res.Lookup(req.URL); ok {
		req.Cookies = path
	}
	out, err := a.Analyze(ctx, req)
	if err != nil {
		s.log.Warn("analyze failed", logx.String("url", req.URL), logx.Err(err))
		return ytdlp.Analysis{}, err
	}
	s.log.Debug("analyzed", logx.String("url", req.URL), logx.Int("formats", len(out.Formats)))
	return out, nil
}

// Submit queues url with the default options.
func (s *Service) Submit(url, quality string) (string, error) {
	return s.SubmitRequest(Request{URL: url, Quality: quality})
}

func (s *Service) SubmitRequest(req Request) (string, error) {
	spec, err := s.Spec(req)
	if err != nil {
		return "", err
	}
	id, err := s.sched.Submit(spec)
	if err != nil {
		return "", err
	}
	if spec.CookiesFile != "" {
		s.log.Debug("cookies attached", logx.String("task_id", id), logx.String("domain", cookies.Domain(spec.URL)))
	}
	return id, nil
}

// SubmitBatch submits in order. ids[i] is empty when errs[i] is set.
func (s *Service) SubmitBatch(reqs []Request) ([]string, []error) {
	ids := make([]string, len(reqs))
	errs := make([]error, len(reqs))
	for i, r := range reqs {
		ids[i], errs[i] = s.SubmitRequest(r)
	}
	return ids, errs
}

func (s *Service) Get(id string) (fetch.TaskInfo, error) { return s.sched.Get(id) }
func (s *Service) List() []fetch.TaskInfo               { return s.sched.List() }
func (s *Service) Pause(id string) error                { return s.sched.Pause(id) }
func (s *Service) Resume(id string) error               { return s.sched.Resume(id) }
func (s *Service) Retry(id string) error                { return s.sched.Retry(id) }
func (s *Service) Cancel(id string) error               { return s.sched.Cancel(id) }
func (s *Service) SetLimit(n int) int                   { return s.sched.SetLimit(n) }
func (s *Service) Limit() int                           { return s.sched.Limit() }
func (s *Service) Snapshot() fetch.GateSnapshot         { return s.sched.Snapshot() }

// ---- history ----

func (s *Service) store() (storage.Store, error) {
	if s.history == nil {
		return nil, storage.ErrDisabled
	}
	return s.history, nil
}

// History lists records newest first, filtered by q when set.
func (s *Service) History(ctx context.Context, q string, limit int) ([]storage.Record, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q) == "" {
		return st.List(ctx, limit)
	}
	return st.Search(ctx, q, limit)
}

func (s *Service) HistoryRecord(ctx context.Context, id string) (storage.Record, error) {
	st, err := s.store()
	if err != nil {
		return storage.Record{}, err
	}
	return st.Get(ctx, id)
}

func (s *Service) DeleteHistory(ctx context.Context, id string) error {
	st, err := s.store()
	if err != nil {
		return err
	}
	return st.Delete(ctx, id)
}

func (s *Service) ClearHistory(ctx context.Context) (int, error) {
	st, err := s.store()
	if err != nil {
		return 0, err
	}
	n, err := st.Clear(ctx)
	if err == nil {
		s.log.Info("history.cleared", logx.Int("records", n))
	}
	return n, err
}

// PruneHistory keeps the newest MaxRecords records.
func (s *Service) PruneHistory(ctx context.Context) (int, error) {
	st, err := s.store()
	if errors.Is(err, storage.ErrDisabled) {
		return 0, nil
	}
	n, err := st.Prune(ctx, s.Defaults().MaxRecords)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("history.pruned", logx.Int("records", n))
	}
	return n, nil
}
