package ytdlp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"fetchd/internal/fetch"

	"github.com/lrstanley/go-ytdlp"
)

// minListedHeight hides the tiny renditions most sites carry.
const minListedHeight = 360

// Analysis describes a URL before anything is downloaded.
type Analysis struct {
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Uploader  string         `json:"uploader,omitempty"`
	Site      string         `json:"site,omitempty"`
	Thumbnail string         `json:"thumbnail,omitempty"`
	Duration  int            `json:"duration"` // seconds
	Views     int64          `json:"views,omitempty"`
	Formats   []FormatOption `json:"formats"`
}

// FormatOption is one quality a submission can ask for.
type FormatOption struct {
	Quality string `json:"quality"` // accepted by SelectFormat
	Ext     string `json:"ext"`
	Size    int64  `json:"size,omitempty"` // estimated bytes, 0 when unknown
}

// InspectRequest is one metadata-only yt-dlp run.
type InspectRequest struct {
	URL     string
	Proxy   string
	Cookies string
}

// Inspector extracts video metadata without downloading.
type Inspector interface {
	Inspect(ctx context.Context, req InspectRequest) (*ytdlp.ExtractedInfo, error)
}

var ErrNoInspector = errors.New("ytdlp: analysis is not available")

// AnalyzeError is a yt-dlp failure while reading metadata, already worded
// for the user.
type AnalyzeError struct{ Msg string }

func (e *AnalyzeError) Error() string { return e.Msg }

// Analyze inspects req.URL and summarizes the qualities it offers.
func (f *Factory) Analyze(ctx context.Context, req InspectRequest) (Analysis, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return Analysis{}, fmt.Errorf("%w: url is required", fetch.ErrInvalidSpec)
	}
	if f.inspector == nil {
		return Analysis{}, ErrNoInspector
	}
	info, err := f.inspector.Inspect(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return Analysis{}, ctx.Err()
		}
		return Analysis{}, &AnalyzeError{Msg: describeFailure("analyze", err.Error())}
	}
	return Summarize(info, req.URL), nil
}

func (c cliRunner) Inspect(ctx context.Context, req InspectRequest) (*ytdlp.ExtractedInfo, error) {
	dl := c.command(req.Proxy, req.Cookies).
		DumpJSON().
		NoPlaylist().
		NoWarnings().
		SocketTimeout(30)
	res, err := dl.Run(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	info, err := res.GetExtractedInfo()
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("no metadata for %s", req.URL)
	}
	return info[0], nil
}

// Summarize lists every height of at least 360p, highest first, with a
// size estimate for the best video at or below it plus the best audio.
// Audio is offered when an audio-only stream exists; "best" when nothing
// else could be listed.
func Summarize(info *ytdlp.ExtractedInfo, url string) Analysis {
	a := Analysis{URL: url, Title: url}
	if info == nil {
		a.Formats = []FormatOption{{Quality: "best", Ext: "mp4"}}
		return a
	}
	if t := deref(info.Title); t != "" {
		a.Title = t
	}
	a.Uploader = deref(info.Uploader)
	a.Thumbnail = deref(info.Thumbnail)
	a.Duration = int(derefNum(info.Duration))
	a.Views = int64(derefNum(info.ViewCount))
	for _, s := range []*string{info.ExtractorKey, info.Extractor, info.WebpageURLDomain} {
		if v := deref(s); v != "" {
			a.Site = v
			break
		}
	}

	var heights []int
	hasAudio := false
	for _, f := range info.Formats {
		if f == nil {
			continue
		}
		if h := int(derefNum(f.Height)); h >= minListedHeight && !slices.Contains(heights, h) {
			heights = append(heights, h)
		}
		if isAudioOnly(f) {
			hasAudio = true
		}
	}
	slices.SortFunc(heights, func(x, y int) int { return cmp.Compare(y, x) })

	audio := bestAudio(info.Formats)
	for _, h := range heights {
		ext := "mp4"
		if h > 1080 {
			ext = "mkv"
		}
		a.Formats = append(a.Formats, FormatOption{
			Quality: fmt.Sprintf("%dp", h),
			Ext:     ext,
			Size:    mergedSize(bestVideo(info.Formats, h), audio, a.Duration),
		})
	}
	if hasAudio {
		a.Formats = append(a.Formats, FormatOption{Quality: "audio", Ext: "flac", Size: estimateSize(audio, a.Duration)})
	}
	if len(a.Formats) == 0 {
		a.Formats = []FormatOption{{Quality: "best", Ext: "mp4"}}
	}
	return a
}

func isAudioOnly(f *ytdlp.ExtractedFormat) bool {
	return codec(f.ACodec) != "none" && codec(f.VCodec) == "none"
}

func codec(p *string) string {
	if v := deref(p); v != "" {
		return v
	}
	return "none"
}

func bestVideo(formats []*ytdlp.ExtractedFormat, maxHeight int) *ytdlp.ExtractedFormat {
	var best *ytdlp.ExtractedFormat
	for _, f := range formats {
		if f == nil || codec(f.VCodec) == "none" {
			continue
		}
		h := int(derefNum(f.Height))
		if h <= 0 || h > maxHeight {
			continue
		}
		if best == nil || videoRank(f, best) > 0 {
			best = f
		}
	}
	return best
}

// videoRank orders by height, then mp4, then bitrate, then size.
func videoRank(a, b *ytdlp.ExtractedFormat) int {
	return cmp.Or(
		cmp.Compare(derefNum(a.Height), derefNum(b.Height)),
		cmp.Compare(extPref(a, "mp4"), extPref(b, "mp4")),
		cmp.Compare(derefNum(a.TBR), derefNum(b.TBR)),
		cmp.Compare(fileSize(a), fileSize(b)),
	)
}

func bestAudio(formats []*ytdlp.ExtractedFormat) *ytdlp.ExtractedFormat {
	var best *ytdlp.ExtractedFormat
	for _, f := range formats {
		if f == nil || !isAudioOnly(f) {
			continue
		}
		if best == nil || audioRank(f, best) > 0 {
			best = f
		}
	}
	return best
}

// audioRank orders by m4a/mp4 container, then audio bitrate, then total bitrate, then size.
func audioRank(a, b *ytdlp.ExtractedFormat) int {
	return cmp.Or(
		cmp.Compare(extPref(a, "m4a", "mp4"), extPref(b, "m4a", "mp4")),
		cmp.Compare(derefNum(a.ABR), derefNum(b.ABR)),
		cmp.Compare(derefNum(a.TBR), derefNum(b.TBR)),
		cmp.Compare(fileSize(a), fileSize(b)),
	)
}

func extPref(f *ytdlp.ExtractedFormat, exts ...string) int {
	if slices.Contains(exts, strings.ToLower(deref(f.Extension))) {
		return 1
	}
	return 0
}

func fileSize(f *ytdlp.ExtractedFormat) int64 {
	if f.FileSize != nil && *f.FileSize > 0 {
		return int64(*f.FileSize)
	}
	if f.FileSizeApprox != nil && *f.FileSizeApprox > 0 {
		return int64(*f.FileSizeApprox)
	}
	return 0
}

// estimateSize uses the reported size, or total bitrate (kbit/s) times duration.
func estimateSize(f *ytdlp.ExtractedFormat, duration int) int64 {
	if f == nil {
		return 0
	}
	if n := fileSize(f); n > 0 {
		return n
	}
	if tbr := derefNum(f.TBR); tbr > 0 && duration > 0 {
		return int64(tbr * 1000 / 8 * float64(duration))
	}
	return 0
}

func mergedSize(video, audio *ytdlp.ExtractedFormat, duration int) int64 {
	v, a := estimateSize(video, duration), estimateSize(audio, duration)
	if v > 0 && a > 0 {
		return v + a
	}
	return max(v, a)
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func derefNum(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
