package app

import (
	"context"
	"strings"

	"fetchd/internal/config"
	"fetchd/internal/eventbus"
	logx "fetchd/pkg/logx"
)

// EventConfigReloaded is published after a reload has been applied.
const EventConfigReloaded = "config.reloaded"

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies newCfg. Sections that need a restart are only logged.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.sched.Apply(mapSchedulerConfig(newCfg))
	a.svc.Apply(mapDownloadDefaults(newCfg))
	a.hub.SetProgressRate(newCfg.Notify.ProgressRate)
	if a.sinks.telegram != nil {
		a.sinks.telegram.SetAccess(newCfg.Notify.Telegram.ChatIDs, newCfg.Notify.Telegram.OwnerUserIDs)
	}
	if a.store != nil && newCfg.History.PruneSchedule != oldCfg.History.PruneSchedule {
		if err := a.pruner.Start(ctx, newCfg.History.PruneSchedule); err != nil {
			a.log.Warn("history prune schedule rejected; keeping previous", logx.Err(err))
		}
	}

	od, nd := oldCfg.Downloads, newCfg.Downloads
	if od.YtdlpPath != nd.YtdlpPath || od.ProgressInterval != nd.ProgressInterval {
		restart = append(restart, "downloads.ytdlp_path/progress_interval")
	}
	if len(restart) > 0 {
		a.log.Warn("some config changes take effect after a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.bus.Publish(eventbus.Event{Type: EventConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}
