package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fetchd/internal/api"
	"fetchd/internal/config"
	"fetchd/internal/eventbus"
	"fetchd/internal/fetch"
	"fetchd/internal/notify"
	rtsup "fetchd/internal/runtime/supervisor"
	"fetchd/internal/services/downloads"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"
	logx "fetchd/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
)

type App struct {
	cfgPath string
	started time.Time

	cfgm *config.Manager
	sup  *rtsup.Supervisor
	lock *flock.Flock

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched  *fetch.Scheduler
	svc    *downloads.Service
	hub    *notify.Hub
	pruner *downloads.Pruner
	api    *api.Server
	sinks  sinks
}

// overrides replaces parts New would build from config.
type overrides struct {
	factory fetch.FetcherFactory
	sinks   []notify.Sink
}

func New(cfgPath string) (*App, error) { return newApp(cfgPath, overrides{}) }

func newApp(cfgPath string, ov overrides) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Telegram log mirroring needs the bot, which needs the service: start
	// with it off and enable once the sender exists.
	logCfg := mapLoggingConfig(cfg)
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if dir := filepath.Dir(sc.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("history dir: %w", err)
			}
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	yt := ytdlp.NewFactory(mapFetcherOptions(cfg), log.With(logx.String("comp", "ytdlp")))
	factory := ov.factory
	if factory == nil {
		factory = yt.New
	}
	sched := fetch.New(mapSchedulerConfig(cfg), factory, log.With(logx.String("comp", "fetch")), bus)
	svc := downloads.New(sched, store, mapDownloadDefaults(cfg), log)
	svc.SetAnalyzer(yt)

	sk, err := buildSinks(cfg, svc, store, log)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	hub := notify.NewHub(notify.Options{ProgressRate: cfg.Notify.ProgressRate}, log.With(logx.String("comp", "notify")), bus, append(sk.all, ov.sinks...)...)

	if sk.telegram != nil {
		logSvc.SetSender(sk.telegram)
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		lock:    flock.New(cfg.Runtime.LockFile),
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		svc:     svc,
		hub:     hub,
		pruner:  downloads.NewPruner(svc, log),
		sinks:   sk,
	}
	if cfg.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		a.api = api.New(api.Options{Addr: cfg.API.Addr, Token: cfg.API.Token}, svc, bus, log)
		a.api.SetHealth(a.health)
	}
	return a, nil
}

// Service exposes the download service (used by embedding callers and tests).
func (a *App) Service() *downloads.Service { return a.svc }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", a.lock.Path(), err)
	}
	if !ok {
		return errors.New("another fetchd instance is already running (" + a.lock.Path() + ")")
	}

	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if cfg.Notify.Telegram.Enabled {
			if _, err := mapTelegramOptions(cfg); err != nil {
				return err
			}
		}
		return nil
	})

	a.pingRedis(runCtx)
	// A signal cancels runCtx; the scheduler and the hub end only in Stop,
	// so the notices of drained tasks still reach the sinks.
	workCtx := context.WithoutCancel(runCtx)
	a.sched.Start(workCtx)
	a.hub.Start(workCtx)
	if a.sinks.telegram != nil {
		a.sinks.telegram.Start(runCtx)
	}
	if a.store != nil {
		if err := a.pruner.Start(runCtx, a.cfgm.Get().History.PruneSchedule); err != nil {
			a.log.Warn("history prune schedule rejected", logx.Err(err))
		}
	}
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			a.sup.Cancel()
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.sched.Stop(stopCtx)
			_ = a.hub.Stop(stopCtx)
			cancel()
			_ = a.lock.Unlock()
			return fmt.Errorf("api: %w", err)
		}
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("limit", a.sched.Limit()),
		logx.Any("sinks", a.hub.Sinks()),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Intake surfaces first.
	step := newStepper(ctx, a.log)
	step.run("api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step.run("telegram", 2*time.Second, func(c context.Context) error {
		if a.sinks.telegram != nil {
			return a.sinks.telegram.Stop(c)
		}
		return nil
	})
	step.run("scheduler", 4*time.Second, a.sched.Stop)
	step.run("notify", 2*time.Second, a.hub.Stop)

	a.sup.Cancel()
	step.run("prune", 1*time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	step.run("sinks", 1*time.Second, func(context.Context) error {
		var errs []error
		if a.sinks.redis != nil {
			errs = append(errs, a.sinks.redis.Close())
		}
		if a.sinks.archive != nil {
			a.sinks.archive.Close()
		}
		return errors.Join(errs...)
	})
	step.run("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step.run("supervisor", 2*time.Second, a.sup.Wait)

	if err := a.lock.Unlock(); err != nil {
		a.log.Warn("failed to release lock", logx.Err(err))
	}
	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	a.logs.SetSender(nil)
	return a.logs.Close()
}

func (a *App) health() map[string]any {
	sups := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.sched.Supervisor(); s != nil {
		sups["fetch"] = s.Snapshot()
	}
	if s := a.hub.Supervisor(); s != nil {
		sups["notify"] = s.Snapshot()
	}
	history := "disabled"
	if a.store != nil {
		history = "enabled"
	}
	return map[string]any{
		"uptime":           time.Since(a.started).Round(time.Second).String(),
		"history":          history,
		"sinks":            a.hub.Sinks(),
		"notify_dropped":   a.hub.Dropped(),
		"notify_throttled": a.hub.Throttled(),
		"supervisors":      sups,
	}
}
