package app

import (
	"fmt"
	"strings"
	"time"

	"fetchd/internal/archive"
	"fetchd/internal/config"
	"fetchd/internal/fetch"
	"fetchd/internal/notify"
	"fetchd/internal/services/downloads"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"
	logx "fetchd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	hc := cfg.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	path := strings.TrimSpace(hc.Path)
	switch driver {
	case "", "none", "disabled", "off":
		return storage.Config{}, false, nil
	case "file", "json":
		if path == "" {
			path = "./history.json"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		busy, err := hc.BusyTimeout.Or("history.busy_timeout", 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown history.driver: %s", hc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) fetch.Config {
	return fetch.Config{
		Limit:           cfg.Downloads.Concurrency,
		FragmentThreads: cfg.Downloads.FragmentThreads,
	}
}

func mapDownloadDefaults(cfg *config.Config) downloads.Defaults {
	return downloads.Defaults{
		Dir:          cfg.Downloads.Dir,
		Proxy:        cfg.Downloads.Proxy,
		CreateFolder: cfg.Downloads.CreateFolder,
		Thumbnails:   cfg.Downloads.Thumbnails,
		ConvertMP4:   cfg.Downloads.ConvertMP4,
		Cookies:      cfg.Downloads.Cookies,
		MaxRecords:   cfg.History.MaxRecords,
	}
}

func mapFetcherOptions(cfg *config.Config) ytdlp.Options {
	return ytdlp.Options{
		Executable:       cfg.Downloads.YtdlpPath,
		ProgressInterval: cfg.ProgressInterval(),
	}
}

func mapRedisOptions(cfg *config.Config) notify.RedisOptions {
	rc := cfg.Notify.Redis
	return notify.RedisOptions{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
		TTL:       cfg.RedisTTL(),
	}
}

func mapTelegramOptions(cfg *config.Config) (notify.TelegramOptions, error) {
	tc := cfg.Notify.Telegram
	poll, err := tc.PollTimeout.Or("notify.telegram.poll_timeout", 10*time.Second)
	if err != nil {
		return notify.TelegramOptions{}, err
	}
	return notify.TelegramOptions{
		Token:        tc.Token,
		ChatIDs:      tc.ChatIDs,
		OwnerUserIDs: tc.OwnerUserIDs,
		PollTimeout:  poll,
	}, nil
}

func mapArchiveOptions(cfg *config.Config) archive.Options {
	oc := cfg.Archive.OBS
	return archive.Options{
		Endpoint:  oc.Endpoint,
		AccessKey: oc.AccessKey,
		SecretKey: oc.SecretKey,
		Bucket:    oc.Bucket,
		Prefix:    oc.Prefix,
	}
}
