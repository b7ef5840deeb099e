package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultDownloadDir      = "./downloads"
	DefaultConcurrency      = 3
	DefaultProgressInterval = 500 * time.Millisecond
	DefaultAPIAddr          = "127.0.0.1:8787"
	DefaultHistoryMax       = 500
	DefaultPruneSchedule    = "@hourly"
	DefaultRedisPrefix      = "fetchd:"
	DefaultRedisTTL         = 24 * time.Hour
	DefaultProgressRate     = 1.0
	DefaultLockFile         = "./fetchd.lock"
)

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Downloads.Dir) == "" {
		c.Downloads.Dir = DefaultDownloadDir
	}
	if c.Downloads.Concurrency == 0 {
		c.Downloads.Concurrency = DefaultConcurrency
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = DefaultAPIAddr
	}
	if c.History.MaxRecords <= 0 {
		c.History.MaxRecords = DefaultHistoryMax
	}
	if strings.TrimSpace(c.History.PruneSchedule) == "" {
		c.History.PruneSchedule = DefaultPruneSchedule
	}
	if c.Notify.ProgressRate <= 0 {
		c.Notify.ProgressRate = DefaultProgressRate
	}
	if strings.TrimSpace(c.Notify.Redis.KeyPrefix) == "" {
		c.Notify.Redis.KeyPrefix = DefaultRedisPrefix
	}
	if strings.TrimSpace(c.Runtime.LockFile) == "" {
		c.Runtime.LockFile = DefaultLockFile
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if n := c.Downloads.Concurrency; n < 1 || n > 16 {
		add("downloads.concurrency: must be within 1..16, got %d", n)
	}
	if n := c.Downloads.FragmentThreads; n < 0 || n > 16 {
		add("downloads.fragment_threads: must be within 0..16, got %d", n)
	}
	if _, err := c.Downloads.ProgressInterval.Parse("downloads.progress_interval"); err != nil {
		errs = append(errs, err)
	}
	for domain, file := range c.Downloads.Cookies {
		if strings.TrimSpace(domain) == "" || strings.TrimSpace(file) == "" {
			add("downloads.cookies: empty domain or file (%q: %q)", domain, file)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "", "none", "disabled", "off", "file", "json", "sqlite", "sqlite3":
	default:
		add("history.driver: unknown driver %q", c.History.Driver)
	}
	if _, err := c.History.BusyTimeout.Parse("history.busy_timeout"); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(c.History.PruneSchedule); err != nil {
		add("history.prune_schedule: %w", err)
	}

	if c.Notify.Redis.Enabled && strings.TrimSpace(c.Notify.Redis.Addr) == "" {
		add("notify.redis.addr: required when enabled")
	}
	if _, err := c.Notify.Redis.TTL.Parse("notify.redis.ttl"); err != nil {
		errs = append(errs, err)
	}
	if c.Notify.Telegram.Enabled && strings.TrimSpace(c.Notify.Telegram.Token) == "" {
		add("notify.telegram.token: required when enabled")
	}
	if _, err := c.Notify.Telegram.PollTimeout.Parse("notify.telegram.poll_timeout"); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Telegram.Enabled && !c.Notify.Telegram.Enabled {
		add("logging.telegram: requires notify.telegram.enabled")
	}

	if o := c.Archive.OBS; o.Enabled {
		if strings.TrimSpace(o.Endpoint) == "" || strings.TrimSpace(o.Bucket) == "" {
			add("archive.obs: endpoint and bucket are required when enabled")
		}
	}
	return errors.Join(errs...)
}

// ProgressInterval returns downloads.progress_interval, defaulting when unset or invalid.
func (c *Config) ProgressInterval() time.Duration {
	d, err := c.Downloads.ProgressInterval.Or("downloads.progress_interval", DefaultProgressInterval)
	if err != nil {
		return DefaultProgressInterval
	}
	return d
}

func (c *Config) RedisTTL() time.Duration {
	d, err := c.Notify.Redis.TTL.Or("notify.redis.ttl", DefaultRedisTTL)
	if err != nil {
		return DefaultRedisTTL
	}
	return d
}
