package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"fetchd/internal/fetch"
	logx "fetchd/pkg/logx"

	"github.com/dustin/go-humanize"
)

const DefaultProgressInterval = 500 * time.Millisecond

// Progress is the part of a yt-dlp progress update the fetcher reports.
type Progress struct {
	Downloaded int64
	Total      int64
	Started    time.Time
	ETA        time.Duration
	Title      string
}

// Request is everything one yt-dlp run needs.
type Request struct {
	URL       string
	Format    Format
	Output    string
	Proxy     string
	Cookies   string
	Fragments int
	Thumbnail bool
	// RemuxMP4 rewraps the finished video into mp4; ignored for audio.
	RemuxMP4 bool
}

// Runner executes one download and returns the produced file path.
type Runner interface {
	Run(ctx context.Context, req Request, progress func(Progress)) (string, error)
}

type Options struct {
	// Executable overrides the yt-dlp binary; empty uses PATH.
	Executable       string
	ProgressInterval time.Duration
}

// Factory builds fetchers for the scheduler. Its New method is a fetch.FetcherFactory.
type Factory struct {
	runner    Runner
	inspector Inspector
	log       logx.Logger
}

func NewFactory(opts Options, log logx.Logger) *Factory {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return NewFactoryWithRunner(cliRunner{exe: opts.Executable, interval: opts.ProgressInterval}, log)
}

// NewFactoryWithRunner uses r for downloads, and for Analyze when r is also an Inspector.
func NewFactoryWithRunner(r Runner, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	p, _ := r.(Inspector)
	return &Factory{runner: r, inspector: p, log: log}
}

func (f *Factory) New(job fetch.Job, sink fetch.Sink) (fetch.Fetcher, error) {
	spec := job.Spec
	if strings.TrimSpace(spec.URL) == "" {
		return nil, fmt.Errorf("%w: empty url", fetch.ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.OutputDir) == "" {
		return nil, fmt.Errorf("%w: empty output dir", fetch.ErrInvalidSpec)
	}
	format := SelectFormat(spec.Quality)
	ctx, cancel := context.WithCancelCause(context.Background())
	return &fetcher{
		job:  job,
		sink: sink,
		req: Request{
			URL:       spec.URL,
			Format:    format,
			Output:    OutputTemplate(spec.OutputDir, format.Tag, spec.CreateFolder),
			Proxy:     strings.TrimSpace(spec.Proxy),
			Cookies:   strings.TrimSpace(spec.CookiesFile),
			Fragments: job.FragmentThreads,
			Thumbnail: job.WriteThumbnail,
			RemuxMP4:  spec.ConvertMP4 && !format.Audio,
		},
		runner: f.runner,
		log:    f.log.With(logx.String("task_id", job.TaskID), logx.Uint64("gen", job.Generation)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type fetcher struct {
	job    fetch.Job
	sink   fetch.Sink
	req    Request
	runner Runner
	log    logx.Logger

	ctx     context.Context
	cancel  context.CancelCauseFunc
	started atomic.Bool
}

func (f *fetcher) Start() {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go f.run()
}

// RequestStop cancels the run with the reason as cause. Safe before Start.
func (f *fetcher) RequestStop(r fetch.StopReason) {
	f.cancel(fetch.NewStopError(r))
}

func (f *fetcher) stopped() (fetch.StopReason, bool) {
	cause := context.Cause(f.ctx)
	if cause == nil {
		return "", false
	}
	return fetch.IsStop(cause)
}

func (f *fetcher) run() {
	defer f.cancel(nil)

	if tok := f.job.Token; tok != nil {
		go func() {
			select {
			case <-tok.Done():
				f.cancel(fetch.NewStopError(tok.Reason()))
			case <-f.ctx.Done():
			}
		}()
	}

	if r, ok := f.stopped(); ok {
		f.sink.OnError(fetch.StopMessage(r))
		return
	}

	f.log.Debug("ytdlp.run", logx.String("format", f.req.Format.Selector), logx.Int("fragments", f.req.Fragments), logx.Bool("thumbnail", f.req.Thumbnail), logx.Bool("remux_mp4", f.req.RemuxMP4))
	path, err := f.runner.Run(f.ctx, f.req, f.progress)
	switch {
	case err == nil:
		f.sink.OnComplete(path)
	case errors.Is(err, context.Canceled) || f.ctx.Err() != nil:
		r, ok := f.stopped()
		if !ok {
			r = fetch.StopCancel
		}
		f.sink.OnError(fetch.StopMessage(r))
	default:
		f.log.Debug("ytdlp.failed", logx.Err(err))
		f.sink.OnError(FriendlyError(err.Error()))
	}
}

func (f *fetcher) progress(p Progress) {
	if f.ctx.Err() != nil {
		return
	}
	if tok := f.job.Token; tok != nil && tok.IsSet() {
		f.cancel(fetch.NewStopError(tok.Reason()))
		return
	}
	f.sink.OnProgress(percentOf(p), StatusText(p, time.Now()))
}

func percentOf(p Progress) int {
	if p.Total <= 0 || p.Downloaded <= 0 {
		return 0
	}
	return int(min(p.Downloaded*100/p.Total, 100))
}

// StatusText renders "<speed>/s · ETA <eta>".
func StatusText(p Progress, now time.Time) string {
	if p.Started.IsZero() || p.Downloaded <= 0 {
		return "starting"
	}
	elapsed := now.Sub(p.Started).Seconds()
	if elapsed <= 0 {
		return "starting"
	}
	s := humanize.Bytes(uint64(float64(p.Downloaded)/elapsed)) + "/s"
	if p.ETA > 0 {
		s += " · ETA " + p.ETA.Round(time.Second).String()
	}
	return s
}
