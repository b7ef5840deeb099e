package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Downloads DownloadsConfig `json:"downloads"`
	API       APIConfig       `json:"api"`
	History   HistoryConfig   `json:"history"`
	Notify    NotifyConfig    `json:"notify"`
	Archive   ArchiveConfig   `json:"archive"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines at or above MinLevel to notify.telegram chats.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DownloadsConfig holds scheduler limits and defaults applied to new submissions.
//
// Defaults (when fields are omitted/zero):
//   - dir: "./downloads"
//   - concurrency: 3 (clamped to 1..16)
//   - fragment_threads: 0 (derived from concurrency)
//   - progress_interval: "500ms"
type DownloadsConfig struct {
	Dir              string   `json:"dir"`
	Concurrency      int      `json:"concurrency"`
	FragmentThreads  int      `json:"fragment_threads,omitempty"`
	CreateFolder     bool     `json:"create_folder,omitempty"`
	Proxy            string   `json:"proxy,omitempty"`
	Thumbnails       bool     `json:"thumbnails,omitempty"`
	ConvertMP4       bool     `json:"convert_mp4,omitempty"` // remux finished videos to mp4
	ProgressInterval Duration `json:"progress_interval,omitempty"`
	// Cookies maps a domain (e.g. "youtube.com") to a Netscape cookies file.
	Cookies map[string]string `json:"cookies,omitempty"`
	// YtdlpPath overrides the yt-dlp executable; empty uses PATH.
	YtdlpPath string `json:"ytdlp_path,omitempty"`
}

// APIConfig controls the HTTP control surface.
//
// Security note: prefer a loopback addr; set a token for anything else.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8787"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// HistoryConfig controls the finished-download history.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./fetchd.db" }
type HistoryConfig struct {
	Driver        string   `json:"driver"`
	Path          string   `json:"path"`
	BusyTimeout   Duration `json:"busy_timeout,omitempty"` // sqlite only
	MaxRecords    int      `json:"max_records,omitempty"`  // default: 500
	PruneSchedule string   `json:"prune_schedule,omitempty"`
}

type NotifyConfig struct {
	// ProgressRate caps progress notices per task per second. Lifecycle notices are never throttled.
	ProgressRate float64        `json:"progress_rate,omitempty"`
	Redis        RedisConfig    `json:"redis"`
	Telegram     TelegramConfig `json:"telegram"`
}

type RedisConfig struct {
	Enabled   bool     `json:"enabled"`
	Addr      string   `json:"addr,omitempty"`
	Password  string   `json:"password,omitempty"`
	DB        int      `json:"db,omitempty"`
	KeyPrefix string   `json:"key_prefix,omitempty"` // default: "fetchd:"
	TTL       Duration `json:"ttl,omitempty"`        // default 24h
}

type TelegramConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	ChatIDs      []int64  `json:"chat_ids"`
	OwnerUserIDs []int64  `json:"owner_user_ids"`
	PollTimeout  Duration `json:"poll_timeout"`
}

type ArchiveConfig struct {
	OBS OBSConfig `json:"obs"`
}

type OBSConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
}

type RuntimeConfig struct {
	LockFile string `json:"lock_file,omitempty"` // default: "./fetchd.lock"
}
