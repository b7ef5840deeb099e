package downloads

import (
	"context"
	"sync"
	"time"

	logx "fetchd/pkg/logx"

	"github.com/robfig/cron/v3"
)

const pruneTimeout = 30 * time.Second

// Pruner runs PruneHistory on a cron schedule.
type Pruner struct {
	svc    *Service
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	spec string
	ctx  context.Context
}

func NewPruner(svc *Service, log logx.Logger) *Pruner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{
		svc: svc,
		log: log.With(logx.String("comp", "history.prune")),
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers spec and starts triggering. Calling it again with another
// spec replaces the schedule.
func (p *Pruner) Start(ctx context.Context, spec string) error {
	if _, err := p.parser.Parse(spec); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil && p.spec == spec {
		return nil
	}
	p.stopLocked()

	p.ctx = ctx
	p.spec = spec
	p.c = cron.New(cron.WithParser(p.parser))
	if _, err := p.c.AddJob(spec, cron.FuncJob(p.run)); err != nil {
		p.c = nil
		return err
	}
	p.c.Start()
	p.log.Debug("schedule registered", logx.String("spec", spec))
	return nil
}

func (p *Pruner) run() {
	p.mu.Lock()
	parent := p.ctx
	p.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, pruneTimeout)
	defer cancel()
	if _, err := p.svc.PruneHistory(ctx); err != nil {
		p.log.Warn("prune failed", logx.Err(err))
	}
}

// Stop waits for a running prune to finish or ctx to end.
func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (p *Pruner) stopLocked() {
	if p.c != nil {
		p.c.Stop()
		p.c = nil
	}
}
