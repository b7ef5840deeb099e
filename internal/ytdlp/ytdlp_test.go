package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fetchd/internal/fetch"
	logx "fetchd/pkg/logx"

	"github.com/lrstanley/go-ytdlp"
)

func TestSelectFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		quality string
		want    Format
	}{
		{quality: "audio", want: Format{Selector: "bestaudio/best", Tag: "audio", Audio: true}},
		{quality: "4K", want: Format{Selector: "bestvideo[height=2160]+bestaudio/bestvideo[height<=2160]+bestaudio/best[height<=2160]", Tag: "2160p"}},
		{quality: "720p", want: Format{Selector: "bestvideo[height=720]+bestaudio/bestvideo[height<=720]+bestaudio/best[height<=720]", Tag: "720p"}},
		{quality: "", want: Format{Selector: "bestvideo+bestaudio/best", Tag: "best"}},
		{quality: "xp", want: Format{Selector: "bestvideo+bestaudio/best", Tag: "best"}},
		{quality: "../x", want: Format{Selector: "bestvideo+bestaudio/best", Tag: "best"}},
		{quality: "0p", want: Format{Selector: "bestvideo+bestaudio/best", Tag: "best"}},
	}
	for _, tt := range tests {
		if got := SelectFormat(tt.quality); got != tt.want {
			t.Fatalf("SelectFormat(%q) = %+v, want %+v", tt.quality, got, tt.want)
		}
	}
}

func TestOutputTemplate(t *testing.T) {
	t.Parallel()
	if got, want := OutputTemplate("/dl", "720p", false), filepath.Join("/dl", "%(title)s [720p].%(ext)s"); got != want {
		t.Fatalf("flat = %q, want %q", got, want)
	}
	if got, want := OutputTemplate("/dl", "audio", true), filepath.Join("/dl", "%(title)s", "%(title)s [audio].%(ext)s"); got != want {
		t.Fatalf("folder = %q, want %q", got, want)
	}
}

func TestFriendlyError(t *testing.T) {
	t.Parallel()
	tests := []struct{ raw, contains string }{
		{raw: "ERROR: Unsupported URL: https://x", contains: "not supported"},
		{raw: "ERROR: [youtube] abc: HTTP Error 403: Forbidden", contains: "403"},
		{raw: "HTTP Error 401: Unauthorized", contains: "401"},
		{raw: "Sign in to confirm you're not a bot", contains: "requires login"},
		{raw: "ERROR: network down\nTraceback ...", contains: "download failed: network down"},
		{raw: "  ", contains: "download failed"},
	}
	for _, tt := range tests {
		got := FriendlyError(tt.raw)
		if !strings.Contains(got, tt.contains) || strings.Contains(got, "Traceback") {
			t.Fatalf("FriendlyError(%q) = %q, want it to contain %q", tt.raw, got, tt.contains)
		}
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	now := time.Now()
	if got := StatusText(Progress{}, now); got != "starting" {
		t.Fatalf("empty = %q", got)
	}
	got := StatusText(Progress{Downloaded: 2_000_000, Started: now.Add(-2 * time.Second), ETA: 65 * time.Second}, now)
	if got != "1.0 MB/s · ETA 1m5s" {
		t.Fatalf("StatusText = %q", got)
	}
	if p := percentOf(Progress{Downloaded: 50, Total: 200}); p != 25 {
		t.Fatalf("percentOf = %d", p)
	}
}

type recordSink struct {
	mu       sync.Mutex
	progress []int
	done     chan string
}

func newRecordSink() *recordSink { return &recordSink{done: make(chan string, 1)} }

func (s *recordSink) OnProgress(p int, _ string) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}
func (s *recordSink) OnComplete(path string) { s.done <- "ok:" + path }
func (s *recordSink) OnError(msg string)     { s.done <- "err:" + msg }

func (s *recordSink) wait(t *testing.T) string {
	t.Helper()
	select {
	case v := <-s.done:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("fetcher did not finish")
		return ""
	}
}

type runnerFunc func(ctx context.Context, req Request, progress func(Progress)) (string, error)

func (f runnerFunc) Run(ctx context.Context, req Request, progress func(Progress)) (string, error) {
	return f(ctx, req, progress)
}

func job(tok *fetch.Token) fetch.Job {
	return fetch.Job{
		TaskID:          "t1",
		Generation:      1,
		Spec:            fetch.Spec{URL: "https://youtube.com/watch?v=1", Quality: "1080p", OutputDir: "/dl", CookiesFile: "yt.txt"},
		WriteThumbnail:  true,
		FragmentThreads: 4,
		Token:           tok,
	}
}

func TestFetcherCompletes(t *testing.T) {
	t.Parallel()
	var got Request
	r := runnerFunc(func(ctx context.Context, req Request, progress func(Progress)) (string, error) {
		got = req
		progress(Progress{Downloaded: 1, Total: 2, Started: time.Now().Add(-time.Second)})
		return "/dl/clip [1080p].mp4", nil
	})
	sink := newRecordSink()
	f, err := NewFactoryWithRunner(r, logx.Nop()).New(job(fetch.NewToken()), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.Start()
	f.Start()
	if v := sink.wait(t); v != "ok:/dl/clip [1080p].mp4" {
		t.Fatalf("result = %q", v)
	}
	if got.Cookies != "yt.txt" || got.Fragments != 4 || !got.Thumbnail || got.Format.Tag != "1080p" {
		t.Fatalf("request = %+v", got)
	}
	if len(sink.progress) != 1 || sink.progress[0] != 50 {
		t.Fatalf("progress = %v", sink.progress)
	}
}

func TestFetcherMapsErrors(t *testing.T) {
	t.Parallel()
	r := runnerFunc(func(ctx context.Context, req Request, progress func(Progress)) (string, error) {
		return "", errors.New("ERROR: HTTP Error 403: Forbidden")
	})
	sink := newRecordSink()
	f, _ := NewFactoryWithRunner(r, logx.Nop()).New(job(nil), sink)
	f.Start()
	if v := sink.wait(t); !strings.HasPrefix(v, "err:") || !strings.Contains(v, "403") || v == "err:"+fetch.StopMessage(fetch.StopCancel) {
		t.Fatalf("result = %q", v)
	}
}

func TestFetcherStopBeforeStart(t *testing.T) {
	t.Parallel()
	r := runnerFunc(func(ctx context.Context, req Request, progress func(Progress)) (string, error) {
		t.Error("runner must not run after a stop request")
		return "", nil
	})
	sink := newRecordSink()
	f, _ := NewFactoryWithRunner(r, logx.Nop()).New(job(nil), sink)
	f.RequestStop(fetch.StopPause)
	f.Start()
	if v := sink.wait(t); v != "err:"+fetch.StopMessage(fetch.StopPause) {
		t.Fatalf("result = %q", v)
	}
}

func TestFetcherStopsOnToken(t *testing.T) {
	t.Parallel()
	running := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, req Request, progress func(Progress)) (string, error) {
		close(running)
		<-ctx.Done()
		return "", ctx.Err()
	})
	tok := fetch.NewToken()
	sink := newRecordSink()
	f, _ := NewFactoryWithRunner(r, logx.Nop()).New(job(tok), sink)
	f.Start()
	<-running
	tok.Set(fetch.StopCancel)
	if v := sink.wait(t); v != "err:"+fetch.StopMessage(fetch.StopCancel) {
		t.Fatalf("result = %q", v)
	}
}

func TestFactoryRejectsEmptyOutputDir(t *testing.T) {
	t.Parallel()
	j := job(nil)
	j.Spec.OutputDir = ""
	if _, err := NewFactory(Options{}, logx.Nop()).New(j, newRecordSink()); !errors.Is(err, fetch.ErrInvalidSpec) {
		t.Fatalf("err = %v", err)
	}
}

func TestFactoryRemuxesVideoOnly(t *testing.T) {
	t.Parallel()
	tests := []struct {
		quality string
		convert bool
		want    bool
	}{
		{quality: "1080p", convert: true, want: true},
		{quality: "audio", convert: true, want: false},
		{quality: "1080p", convert: false, want: false},
	}
	for _, tt := range tests {
		j := job(nil)
		j.Spec.Quality = tt.quality
		j.Spec.ConvertMP4 = tt.convert
		f, err := NewFactory(Options{}, logx.Nop()).New(j, newRecordSink())
		if err != nil {
			t.Fatal(err)
		}
		if got := f.(*fetcher).req.RemuxMP4; got != tt.want {
			t.Fatalf("%s convert=%v: RemuxMP4 = %v", tt.quality, tt.convert, got)
		}
	}
}

func TestOutputPathPrefersPrintedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	final := filepath.Join(dir, "clip [1080p].mp4")
	if err := os.WriteFile(final, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	res := &ytdlp.Result{OutputLogs: []*ytdlp.ResultLog{
		{Pipe: "stdout", Line: "progress:{}"},
		{Pipe: "stdout", Line: final},
		{Pipe: "stderr", Line: "WARNING: something"},
		{Pipe: "stdout", Line: "   "},
	}}
	if got := outputPath(res, Request{RemuxMP4: true}); got != final {
		t.Fatalf("outputPath = %q, want %q", got, final)
	}
	if got := outputPath(&ytdlp.Result{OutputLogs: []*ytdlp.ResultLog{{Pipe: "stdout", Line: filepath.Join(dir, "gone.mkv")}}}, Request{}); got != "" {
		t.Fatalf("missing file reported as %q", got)
	}
}

const infoFixture = `{
  "_type": "video",
  "id": "abc",
  "title": "Clip",
  "uploader": "Someone",
  "extractor_key": "Youtube",
  "duration": 100,
  "view_count": 1234,
  "formats": [
    {"format_id": "140", "ext": "m4a", "vcodec": "none", "acodec": "mp4a.40.2", "abr": 128, "filesize": 1000},
    {"format_id": "251", "ext": "webm", "vcodec": "none", "acodec": "opus", "abr": 160, "filesize": 1200},
    {"format_id": "137", "ext": "mp4", "vcodec": "avc1", "acodec": "none", "height": 1080, "filesize": 50000},
    {"format_id": "248", "ext": "webm", "vcodec": "vp9", "acodec": "none", "height": 1080, "tbr": 9000},
    {"format_id": "313", "ext": "webm", "vcodec": "vp9", "acodec": "none", "height": 2160, "tbr": 800},
    {"format_id": "136", "ext": "mp4", "vcodec": "avc1", "acodec": "none", "height": 720, "filesize_approx": 20000},
    {"format_id": "160", "ext": "mp4", "vcodec": "avc1", "acodec": "none", "height": 144, "filesize": 10}
  ]
}`

func parseFixture(t *testing.T) *ytdlp.ExtractedInfo {
	t.Helper()
	raw := json.RawMessage(infoFixture)
	info, err := ytdlp.ParseExtractedInfo(&raw)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	a := Summarize(parseFixture(t), "https://youtu.be/abc")
	if a.Title != "Clip" || a.Site != "Youtube" || a.Duration != 100 || a.Views != 1234 || a.Uploader != "Someone" {
		t.Fatalf("analysis = %+v", a)
	}
	want := []FormatOption{
		{Quality: "2160p", Ext: "mkv", Size: 800*1000/8*100 + 1000},
		{Quality: "1080p", Ext: "mp4", Size: 50000 + 1000},
		{Quality: "720p", Ext: "mp4", Size: 20000 + 1000},
		{Quality: "audio", Ext: "flac", Size: 1000},
	}
	if len(a.Formats) != len(want) {
		t.Fatalf("formats = %+v", a.Formats)
	}
	for i := range want {
		if a.Formats[i] != want[i] {
			t.Fatalf("formats[%d] = %+v, want %+v", i, a.Formats[i], want[i])
		}
		if SelectFormat(a.Formats[i].Quality).Tag == "best" {
			t.Fatalf("quality %q is not a label SelectFormat knows", a.Formats[i].Quality)
		}
	}

	if got := Summarize(nil, "https://x"); got.Title != "https://x" || len(got.Formats) != 1 || got.Formats[0].Quality != "best" {
		t.Fatalf("empty analysis = %+v", got)
	}
}

type inspectRunner struct {
	runnerFunc
	got  InspectRequest
	info *ytdlp.ExtractedInfo
	err  error
}

func (p *inspectRunner) Inspect(_ context.Context, req InspectRequest) (*ytdlp.ExtractedInfo, error) {
	p.got = req
	return p.info, p.err
}

func TestFactoryAnalyze(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pr := &inspectRunner{info: parseFixture(t)}
	f := NewFactoryWithRunner(pr, logx.Nop())
	a, err := f.Analyze(ctx, InspectRequest{URL: " https://youtu.be/abc ", Proxy: "http://p", Cookies: "yt.txt"})
	if err != nil || a.Title != "Clip" {
		t.Fatalf("Analyze = %+v, %v", a, err)
	}
	if pr.got.URL != "https://youtu.be/abc" || pr.got.Proxy != "http://p" || pr.got.Cookies != "yt.txt" {
		t.Fatalf("inspect request = %+v", pr.got)
	}

	pr.err = errors.New("ERROR: Unsupported URL: https://nope")
	_, err = f.Analyze(ctx, InspectRequest{URL: "https://nope"})
	var ae *AnalyzeError
	if !errors.As(err, &ae) || ae.Msg != "analyze failed: this site or link is not supported by yt-dlp" {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.Analyze(ctx, InspectRequest{URL: " "}); !errors.Is(err, fetch.ErrInvalidSpec) {
		t.Fatalf("empty url: err = %v", err)
	}

	plain := NewFactoryWithRunner(runnerFunc(nil), logx.Nop())
	if _, err := plain.Analyze(ctx, InspectRequest{URL: "https://x"}); !errors.Is(err, ErrNoInspector) {
		t.Fatalf("err = %v, want ErrNoInspector", err)
	}
}
