package config

import (
	"maps"
	"slices"
	"sort"
	"strings"

	logx "fetchd/pkg/logx"
)

// hotSections are applied without a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"downloads": true,
	"notify":    true,
}

// SummarizeConfigChange returns a sorted list of changed sections, safe
// structured attrs for logging (never secrets), and the changed sections that
// only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	od, nd := oldCfg.Downloads, newCfg.Downloads
	if od.Dir != nd.Dir || od.Concurrency != nd.Concurrency || od.FragmentThreads != nd.FragmentThreads ||
		od.CreateFolder != nd.CreateFolder || od.Proxy != nd.Proxy || od.Thumbnails != nd.Thumbnails ||
		od.ConvertMP4 != nd.ConvertMP4 || od.ProgressInterval != nd.ProgressInterval || od.YtdlpPath != nd.YtdlpPath ||
		!maps.Equal(od.Cookies, nd.Cookies) {
		changed = append(changed, "downloads")
		attrs = append(attrs,
			logx.String("downloads.dir", nd.Dir),
			logx.Int("downloads.concurrency", nd.Concurrency),
			logx.Int("downloads.fragment_threads", nd.FragmentThreads),
			logx.Bool("downloads.proxy_set", strings.TrimSpace(nd.Proxy) != ""),
			logx.Bool("downloads.convert_mp4", nd.ConvertMP4),
			logx.Int("downloads.cookie_domains", len(nd.Cookies)),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", newCfg.History.Driver),
			logx.Int("history.max_records", newCfg.History.MaxRecords),
			logx.String("history.prune_schedule", newCfg.History.PruneSchedule),
		)
	}

	on, nn := oldCfg.Notify, newCfg.Notify
	if on.ProgressRate != nn.ProgressRate || on.Redis != nn.Redis ||
		on.Telegram.Enabled != nn.Telegram.Enabled || on.Telegram.Token != nn.Telegram.Token ||
		on.Telegram.PollTimeout != nn.Telegram.PollTimeout ||
		!slices.Equal(on.Telegram.ChatIDs, nn.Telegram.ChatIDs) ||
		!slices.Equal(on.Telegram.OwnerUserIDs, nn.Telegram.OwnerUserIDs) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Float64("notify.progress_rate", nn.ProgressRate),
			logx.Bool("notify.redis_enabled", nn.Redis.Enabled),
			logx.Bool("notify.telegram_enabled", nn.Telegram.Enabled),
			logx.Int("notify.telegram_chats", len(nn.Telegram.ChatIDs)),
		)
	}

	if oldCfg.Archive != newCfg.Archive {
		changed = append(changed, "archive")
		attrs = append(attrs,
			logx.Bool("archive.obs_enabled", newCfg.Archive.OBS.Enabled),
			logx.String("archive.obs_bucket", newCfg.Archive.OBS.Bucket),
		)
	}

	if oldCfg.Runtime != newCfg.Runtime {
		changed = append(changed, "runtime")
	}

	sort.Strings(changed)

	var restart []string
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	// Only the progress rate of notify is hot.
	if slices.Contains(changed, "notify") && (on.Redis != nn.Redis || on.Telegram.Token != nn.Telegram.Token ||
		on.Telegram.Enabled != nn.Telegram.Enabled || on.Telegram.PollTimeout != nn.Telegram.PollTimeout) {
		restart = append(restart, "notify")
		sort.Strings(restart)
	}
	return changed, attrs, restart
}
