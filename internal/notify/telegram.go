package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"fetchd/internal/fetch"
	logx "fetchd/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Controller is the part of the download service the bot commands drive.
type Controller interface {
	Submit(url, quality string) (string, error)
	List() []fetch.TaskInfo
	Pause(id string) error
	Resume(id string) error
	Retry(id string) error
	Cancel(id string) error
	SetLimit(n int) int
	Limit() int
}

type TelegramOptions struct {
	Token        string
	ChatIDs      []int64
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// Telegram is both a notice sink (settled tasks) and a command surface for owners.
// It also implements logx.Sender.
type Telegram struct {
	opts TelegramOptions
	log  logx.Logger
	bot  *tele.Bot
	ctl  Controller

	accessMu sync.RWMutex
	chats    []int64
	owners   []int64

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	halt    func()
}

func NewTelegram(opts TelegramOptions, ctl Controller, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  opts.Token,
		Poller: &tele.LongPoller{Timeout: opts.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{opts: opts, log: log.With(logx.String("comp", "telegram")), bot: b, ctl: ctl}
	t.SetAccess(opts.ChatIDs, opts.OwnerUserIDs)
	t.register()
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

// SetAccess replaces the notified chats and the command owners.
func (t *Telegram) SetAccess(chats, owners []int64) {
	t.accessMu.Lock()
	t.chats = slices.Clone(chats)
	t.owners = slices.Clone(owners)
	t.accessMu.Unlock()
}

func (t *Telegram) register() {
	for _, cmd := range []string{"/add", "/list", "/pause", "/resume", "/retry", "/cancel", "/limit", "/help"} {
		cmd := cmd
		t.bot.Handle(cmd, func(c tele.Context) error {
			if c.Sender() == nil {
				return nil
			}
			return c.Send(t.exec(c.Sender().ID, cmd, c.Args()))
		})
	}
}

// Start begins long polling. It returns immediately.
func (t *Telegram) Start(ctx context.Context) {
	t.runMu.Lock()
	if t.running {
		t.runMu.Unlock()
		return
	}
	t.running = true
	t.done = make(chan struct{})
	// bot.Stop blocks forever when nothing is polling, so each run stops once.
	t.halt = sync.OnceFunc(t.bot.Stop)
	done, halt := t.done, t.halt
	t.runMu.Unlock()

	go func() {
		defer close(done)
		t.log.Info("polling started")
		t.bot.Start() // blocks until Stop
	}()
	go func() {
		select {
		case <-ctx.Done():
			halt()
		case <-done:
		}
	}()
}

// Stop never blocks shutdown for longer than a short grace on the long poll.
func (t *Telegram) Stop(ctx context.Context) error {
	t.runMu.Lock()
	wasRunning, done, halt := t.running, t.done, t.halt
	t.running = false
	t.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	go halt()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		t.log.Info("polling stopped")
	case <-timer.C:
		t.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
	return nil
}

func (t *Telegram) Notify(ctx context.Context, typ string, n fetch.Notice) error {
	text := NoticeText(typ, n)
	if text == "" {
		return nil
	}
	return t.broadcast(ctx, text)
}

// SendLog forwards a formatted log line to every chat.
func (t *Telegram) SendLog(ctx context.Context, text string) error {
	return t.broadcast(ctx, text)
}

func (t *Telegram) broadcast(ctx context.Context, text string) error {
	var errs []error
	t.accessMu.RLock()
	chats := t.chats
	t.accessMu.RUnlock()
	for _, id := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := t.bot.Send(tele.ChatID(id), text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) owner(id int64) bool {
	t.accessMu.RLock()
	defer t.accessMu.RUnlock()
	return slices.Contains(t.owners, id)
}

// exec runs one command and returns the reply text.
func (t *Telegram) exec(sender int64, cmd string, args []string) string {
	if !t.owner(sender) {
		return "not allowed"
	}
	arg := func(i int) string {
		if i < len(args) {
			return strings.TrimSpace(args[i])
		}
		return ""
	}
	switch cmd {
	case "/add":
		if arg(0) == "" {
			return "usage: /add <url> [quality]"
		}
		id, err := t.ctl.Submit(arg(0), arg(1))
		if err != nil {
			return "add failed: " + err.Error()
		}
		return "queued " + id
	case "/list":
		return ListText(t.ctl.List())
	case "/pause", "/resume", "/retry", "/cancel":
		id := arg(0)
		if id == "" {
			return "usage: " + cmd + " <id>"
		}
		op := map[string]func(string) error{
			"/pause":  t.ctl.Pause,
			"/resume": t.ctl.Resume,
			"/retry":  t.ctl.Retry,
			"/cancel": t.ctl.Cancel,
		}[cmd]
		if err := op(id); err != nil {
			return strings.TrimPrefix(cmd, "/") + " failed: " + err.Error()
		}
		return "ok"
	case "/limit":
		if arg(0) == "" {
			return "limit " + strconv.Itoa(t.ctl.Limit())
		}
		n, err := strconv.Atoi(arg(0))
		if err != nil {
			return "usage: /limit [1-16]"
		}
		return "limit " + strconv.Itoa(t.ctl.SetLimit(n))
	default:
		return "commands: /add <url> [quality], /list, /pause <id>, /resume <id>, /retry <id>, /cancel <id>, /limit [n]"
	}
}

// NoticeText renders a settled notice; other notices render as "".
func NoticeText(typ string, n fetch.Notice) string {
	switch typ {
	case fetch.EventCompleted:
		return fmt.Sprintf("✅ completed %s\n%s", shortID(n.TaskID), firstNonEmpty(n.Path, n.URL))
	case fetch.EventFailed:
		return fmt.Sprintf("❌ failed %s\n%s\n%s", shortID(n.TaskID), n.URL, n.Error)
	case fetch.EventPaused:
		return fmt.Sprintf("⏸ paused %s at %d%%\n%s", shortID(n.TaskID), n.Percent, n.URL)
	case fetch.EventCancelled:
		return fmt.Sprintf("🚫 cancelled %s\n%s", shortID(n.TaskID), n.URL)
	}
	return ""
}

func ListText(tasks []fetch.TaskInfo) string {
	if len(tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for _, ti := range tasks {
		fmt.Fprintf(&b, "%s %-11s %3d%% %s\n", ti.ID, ti.State, ti.Percent, ti.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
