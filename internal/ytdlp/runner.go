package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// cliRunner drives the yt-dlp executable through go-ytdlp.
type cliRunner struct {
	exe      string
	interval time.Duration
}

func (c cliRunner) command(proxy, cookies string) *ytdlp.Command {
	dl := ytdlp.New()
	if c.exe != "" {
		dl.SetExecutable(c.exe)
	}
	if proxy != "" {
		dl.Proxy(proxy)
	}
	if cookies != "" {
		dl.Cookies(cookies)
	}
	return dl
}

func (c cliRunner) Run(ctx context.Context, req Request, progress func(Progress)) (string, error) {
	dl := c.command(req.Proxy, req.Cookies).
		WindowsFilenames().
		Format(req.Format.Selector).
		Output(req.Output).
		Print("after_move:filepath")
	if req.Fragments > 1 {
		dl.ConcurrentFragments(req.Fragments)
	}
	if req.Thumbnail {
		dl.WriteThumbnail().ConvertThumbnails("jpg")
	}
	switch {
	case req.Format.Audio:
		dl.ExtractAudio().AudioFormat("flac")
	case req.RemuxMP4:
		dl.RemuxVideo("mp4")
	}
	dl.ProgressFunc(c.interval, func(u ytdlp.ProgressUpdate) {
		p := Progress{
			Downloaded: int64(u.DownloadedBytes),
			Total:      int64(u.TotalBytes),
			Started:    u.Started,
			ETA:        u.ETA(),
		}
		if u.Info != nil && u.Info.Title != nil {
			p.Title = *u.Info.Title
		}
		progress(p)
	})

	res, err := dl.Run(ctx, req.URL)
	if err != nil {
		return "", err
	}
	return outputPath(res, req), nil
}

// outputPath prefers the path yt-dlp printed after post-processing, then the
// extracted info with the extension the post-processor would have produced.
func outputPath(res *ytdlp.Result, req Request) string {
	if res == nil {
		return ""
	}
	if p := printedPath(res.OutputLogs); p != "" {
		return p
	}
	info, err := res.GetExtractedInfo()
	if err != nil || len(info) == 0 || info[0].Filename == nil {
		return ""
	}
	path := *info[0].Filename
	var ext string
	switch {
	case req.Format.Audio:
		ext = ".flac"
	case req.RemuxMP4:
		ext = ".mp4"
	default:
		return path
	}
	if alt := strings.TrimSuffix(path, filepath.Ext(path)) + ext; fileExists(alt) {
		return alt
	}
	return path
}

// printedPath is the last stdout line naming an existing file.
func printedPath(logs []*ytdlp.ResultLog) string {
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if l == nil || l.Pipe != "stdout" {
			continue
		}
		line := strings.TrimSpace(l.Line)
		if line == "" || strings.HasPrefix(line, "progress:") {
			continue
		}
		if fileExists(line) {
			return line
		}
	}
	return ""
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
