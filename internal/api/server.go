// Package api exposes the download service over HTTP with gin.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"fetchd/internal/eventbus"
	"fetchd/internal/fetch"
	"fetchd/internal/services/downloads"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"
	logx "fetchd/pkg/logx"

	"github.com/gin-gonic/gin"
)

// Backend is the part of the download service the API drives.
type Backend interface {
	SubmitRequest(req downloads.Request) (string, error)
	SubmitBatch(reqs []downloads.Request) ([]string, []error)
	Get(id string) (fetch.TaskInfo, error)
	List() []fetch.TaskInfo
	Pause(id string) error
	Resume(id string) error
	Retry(id string) error
	Cancel(id string) error
	SetLimit(n int) int
	Snapshot() fetch.GateSnapshot
	Analyze(ctx context.Context, url string) (ytdlp.Analysis, error)

	History(ctx context.Context, q string, limit int) ([]storage.Record, error)
	HistoryRecord(ctx context.Context, id string) (storage.Record, error)
	DeleteHistory(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) (int, error)
}

type Options struct {
	Addr  string
	Token string

	// Heartbeat is the idle interval between SSE pings. Default 15s.
	Heartbeat time.Duration
}

type Server struct {
	opts    Options
	svc     Backend
	bus     eventbus.Bus
	log     logx.Logger
	handler *gin.Engine

	healthMu sync.RWMutex
	health   func() map[string]any

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(opts Options, svc Backend, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	s := &Server{opts: opts, svc: svc, bus: bus, log: log.With(logx.String("comp", "api"))}
	s.handler = s.routes()
	return s
}

// SetHealth adds fields to the /healthz body.
func (s *Server) SetHealth(fn func() map[string]any) {
	s.healthMu.Lock()
	s.health = fn
	s.healthMu.Unlock()
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.healthz)

	api := r.Group("/api", s.auth())
	{
		api.POST("/tasks", s.submit)
		api.POST("/tasks/batch", s.submitBatch)
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:id", s.getTask)
		api.POST("/tasks/:id/:action", s.control)
		api.GET("/analyze", s.analyze)

		api.GET("/concurrency", s.getConcurrency)
		api.PUT("/concurrency", s.putConcurrency)

		api.GET("/history", s.listHistory)
		api.GET("/history/:id", s.getHistory)
		api.DELETE("/history/:id", s.deleteHistory)
		api.DELETE("/history", s.clearHistory)

		api.GET("/events", s.events)
	}
	return r
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", logx.Err(err))
		}
	}()
	s.log.Info("listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.opts.Token != ""))
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts down gracefully; open event streams end when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return srv.Close()
	}
	return err
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			// EventSource cannot set headers.
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.opts.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http.request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// statusOf maps service errors to HTTP codes.
func statusOf(err error) int {
	var ae *ytdlp.AnalyzeError
	switch {
	case errors.As(err, &ae):
		return http.StatusBadGateway
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fetch.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, fetch.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrClosed), errors.Is(err, storage.ErrDisabled), errors.Is(err, ytdlp.ErrNoInspector):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}
