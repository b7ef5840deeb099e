package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fetchd/internal/fetch"
	"fetchd/internal/services/downloads"

	"github.com/gin-gonic/gin"
)

type batchRequest struct {
	Tasks []downloads.Request `json:"tasks" binding:"required"`
}

// BatchResult carries either an id or an error for one batch item.
type BatchResult struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

type limitRequest struct {
	Limit *int `json:"limit" binding:"required"`
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"gate":        s.svc.Snapshot(),
		"bus_dropped": s.bus.Dropped(),
	}
	s.healthMu.RLock()
	fn := s.health
	s.healthMu.RUnlock()
	if fn != nil {
		for k, v := range fn() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) submit(c *gin.Context) {
	var req downloads.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	id, err := s.svc.SubmitRequest(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	ids, errs := s.svc.SubmitBatch(req.Tasks)
	out := make([]BatchResult, len(ids))
	for i := range ids {
		if errs[i] != nil {
			out[i].Error = errs[i].Error()
			continue
		}
		out[i].ID = ids[i]
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.List())
}

func (s *Server) getTask(c *gin.Context) {
	ti, err := s.svc.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ti)
}

func (s *Server) control(c *gin.Context) {
	var op func(string) error
	switch c.Param("action") {
	case "cancel":
		op = s.svc.Cancel
	case "pause":
		op = s.svc.Pause
	case "resume":
		op = s.svc.Resume
	case "retry":
		op = s.svc.Retry
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action " + strconv.Quote(c.Param("action"))})
		return
	}
	if err := op(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) analyze(c *gin.Context) {
	url := strings.TrimSpace(c.Query("url"))
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	a, err := s.svc.Analyze(c.Request.Context(), url)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) getConcurrency(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Snapshot())
}

func (s *Server) putConcurrency(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	applied := s.svc.SetLimit(*req.Limit)
	c.JSON(http.StatusOK, gin.H{"limit": applied})
}

func (s *Server) listHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	recs, err := s.svc.History(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) getHistory(c *gin.Context) {
	rec, err := s.svc.HistoryRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteHistory(c *gin.Context) {
	if err := s.svc.DeleteHistory(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearHistory(c *gin.Context) {
	n, err := s.svc.ClearHistory(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// events streams task notices as server-sent events. ?task=<id> narrows the
// stream to one task.
func (s *Server) events(c *gin.Context) {
	ch, unsub := s.bus.Subscribe(256, "task.")
	defer unsub()
	only := c.Query("task")

	ping := time.NewTicker(s.opts.Heartbeat)
	defer ping.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"time": time.Now().UTC()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ping.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			n, ok := ev.Data.(fetch.Notice)
			if !ok || (only != "" && n.TaskID != only) {
				return true
			}
			c.SSEvent(ev.Type, n)
			return true
		}
	})
}
