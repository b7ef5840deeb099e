package ytdlp

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Format is the yt-dlp selection for one quality label.
type Format struct {
	Selector string
	// Tag keeps output names unique per quality.
	Tag   string
	Audio bool
}

// SelectFormat maps a quality label ("audio", "4k", "1080p", "best", "")
// to a yt-dlp format selector.
func SelectFormat(quality string) Format {
	q := strings.ToLower(strings.TrimSpace(quality))
	if q == "audio" {
		return Format{Selector: "bestaudio/best", Tag: "audio", Audio: true}
	}
	if h := requestedHeight(q); h > 0 {
		// exact height, then <= height, then best muxed <= height
		return Format{
			Selector: fmt.Sprintf("bestvideo[height=%d]+bestaudio/bestvideo[height<=%d]+bestaudio/best[height<=%d]", h, h, h),
			Tag:      fmt.Sprintf("%dp", h),
		}
	}
	// Anything else is best; the raw label never reaches the file name.
	return Format{Selector: "bestvideo+bestaudio/best", Tag: "best"}
}

func requestedHeight(q string) int {
	if q == "4k" {
		return 2160
	}
	s, ok := strings.CutSuffix(q, "p")
	if !ok {
		return 0
	}
	h, err := strconv.Atoi(s)
	if err != nil || h <= 0 {
		return 0
	}
	return h
}

// OutputTemplate is "<dir>/[%(title)s/]%(title)s [<tag>].%(ext)s".
func OutputTemplate(dir, tag string, createFolder bool) string {
	name := "%(title)s [" + tag + "].%(ext)s"
	if createFolder {
		return filepath.Join(dir, "%(title)s", name)
	}
	return filepath.Join(dir, name)
}
