package ytdlp

import (
	"strings"
)

// FriendlyError turns raw yt-dlp output into a short message an operator can act on.
func FriendlyError(raw string) string { return describeFailure("download", raw) }

func describeFailure(action, raw string) string {
	msg := strings.TrimSpace(raw)
	low := strings.ToLower(msg)
	if strings.HasPrefix(low, "error:") {
		msg = strings.TrimSpace(msg[len("error:"):])
		low = strings.ToLower(msg)
	}

	switch {
	case strings.Contains(low, "unsupported url"):
		return action + " failed: this site or link is not supported by yt-dlp"
	case strings.Contains(low, "fresh cookies"):
		return action + " failed: the site needs freshly exported cookies; re-export cookies.txt and update downloads.cookies"
	case strings.Contains(low, "http error 403") || strings.Contains(low, "status code: 403") ||
		(strings.Contains(low, "403") && strings.Contains(low, "forbidden")):
		return action + " failed: the site returned 403 (forbidden); add a cookies file for this domain and retry"
	case strings.Contains(low, "http error 401") || strings.Contains(low, "status code: 401") ||
		(strings.Contains(low, "401") && strings.Contains(low, "unauthorized")):
		return action + " failed: the site returned 401 (unauthorized); add a cookies file for this domain and retry"
	case strings.Contains(low, "login required") || strings.Contains(low, "sign in") ||
		(strings.Contains(low, "account") && strings.Contains(low, "required")):
		return action + " failed: this content requires login; add a cookies file for this domain and retry"
	}

	if line, _, _ := strings.Cut(msg, "\n"); strings.TrimSpace(line) != "" {
		return action + " failed: " + strings.TrimSpace(line)
	}
	return action + " failed"
}
