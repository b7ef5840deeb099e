package fetch

import (
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
)

// IsTerminal reports whether the task is finished for good.
func (s State) IsTerminal() bool { return s == StateCompleted || s == StateCancelled }

// IsSuspended reports whether the task keeps its metadata and can go back to Queued.
func (s State) IsSuspended() bool { return s == StatePaused || s == StateError }

// Spec holds the immutable job parameters.
type Spec struct {
	URL            string `json:"url"`
	Quality        string `json:"quality,omitempty"`
	OutputDir      string `json:"output_dir,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
	WriteThumbnail bool   `json:"write_thumbnail,omitempty"`
	CreateFolder   bool   `json:"create_folder,omitempty"`
	ConvertMP4     bool   `json:"convert_mp4,omitempty"`

	// FragmentThreads is derived from the limit at submit time when zero.
	FragmentThreads int `json:"fragment_threads,omitempty"`

	// CookiesFile is the credential reference resolved by the caller.
	CookiesFile string `json:"cookies_file,omitempty"`
}

// Job is what a fetcher gets for one generation of a task.
type Job struct {
	TaskID      string
	Generation  uint64
	Spec        Spec
	ResourceKey string

	// WriteThumbnail is true only when this job holds the thumbnail claim.
	WriteThumbnail  bool
	FragmentThreads int

	Token *Token
}

// Fetcher performs one job. Start must not block. RequestStop is cooperative
// and may be called before Start.
type Fetcher interface {
	Start()
	RequestStop(reason StopReason)
}

// Sink receives a fetcher's events. A fetcher should emit exactly one of
// OnComplete or OnError per generation.
type Sink interface {
	OnProgress(percent int, status string)
	OnComplete(path string)
	OnError(message string)
}

// FetcherFactory builds the fetcher for one generation.
type FetcherFactory func(job Job, sink Sink) (Fetcher, error)

// Config controls the scheduler.
//
// Defaults (when fields are omitted/zero):
//   - limit: 3
//   - recent_size: 64
type Config struct {
	Limit int

	// FragmentThreads overrides the derived fragment hint when > 0.
	FragmentThreads int

	// RecentSize bounds how many purged tasks Get still reports.
	RecentSize int
}

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Quality         string    `json:"quality,omitempty"`
	ResourceKey     string    `json:"resource_key"`
	Generation      uint64    `json:"generation"`
	State           State     `json:"state"`
	Percent         int       `json:"percent"`
	Status          string    `json:"status,omitempty"`
	Path            string    `json:"path,omitempty"`
	Error           string    `json:"error,omitempty"`
	Thumbnail       bool      `json:"thumbnail"`
	FragmentThreads int       `json:"fragment_threads"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GateSnapshot is the concurrency gate as seen under the scheduler lock.
type GateSnapshot struct {
	Limit     int      `json:"limit"`
	Active    int      `json:"active"`
	OverLimit int      `json:"over_limit"` // admitted before the limit shrank
	ActiveIDs []string `json:"active_ids"`
	QueueLen  int      `json:"queue_len"`
	Claimed   []string `json:"claimed"`
}

// Notice is the bus payload for every task.* event.
type Notice struct {
	TaskID     string    `json:"task_id"`
	Generation uint64    `json:"generation"`
	State      State     `json:"state"`
	URL        string    `json:"url"`
	Quality    string    `json:"quality,omitempty"`
	Percent    int       `json:"percent"`
	Status     string    `json:"status,omitempty"`
	Path       string    `json:"path,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Event types published on the bus.
const (
	EventQueued    = "task.queued"
	EventStarted   = "task.started"
	EventProgress  = "task.progress"
	EventPaused    = "task.paused"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
)
