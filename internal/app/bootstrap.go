package app

import (
	"context"
	"fmt"
	"time"

	"fetchd/internal/archive"
	"fetchd/internal/config"
	"fetchd/internal/notify"
	"fetchd/internal/services/downloads"
	"fetchd/internal/storage"
	logx "fetchd/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sinks are the optional notice consumers built from config.
type sinks struct {
	all      []notify.Sink
	telegram *notify.Telegram
	redis    *notify.RedisSink
	archive  *archive.Uploader
}

func buildSinks(cfg *config.Config, svc *downloads.Service, store storage.Store, log logx.Logger) (sinks, error) {
	var out sinks
	if store != nil {
		out.all = append(out.all, downloads.NewHistorySink(store))
	}
	if cfg.Notify.Redis.Enabled {
		out.redis = notify.NewRedisSink(mapRedisOptions(cfg))
		out.all = append(out.all, out.redis)
	}
	if cfg.Notify.Telegram.Enabled {
		opts, err := mapTelegramOptions(cfg)
		if err != nil {
			return sinks{}, err
		}
		tg, err := notify.NewTelegram(opts, svc, log)
		if err != nil {
			return sinks{}, fmt.Errorf("telegram: %w", err)
		}
		out.telegram = tg
		out.all = append(out.all, tg)
	}
	if cfg.Archive.OBS.Enabled {
		up, err := archive.NewUploader(mapArchiveOptions(cfg), log)
		if err != nil {
			return sinks{}, fmt.Errorf("archive: %w", err)
		}
		out.archive = up
		out.all = append(out.all, up)
	}
	return out, nil
}

// pingRedis reports an unreachable server without failing startup; the hub
// retries each delivery.
func (a *App) pingRedis(ctx context.Context) {
	if a.sinks.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.sinks.redis.Ping(ctx); err != nil {
		a.log.Warn("redis unreachable; status mirror will retry", logx.Err(err))
		return
	}
	a.log.Info("redis connected")
}

// sdNotify is a no-op outside systemd.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}
