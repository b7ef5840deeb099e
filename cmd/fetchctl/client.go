package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fetchd/internal/api"
	"fetchd/internal/fetch"
	"fetchd/internal/services/downloads"
	"fetchd/internal/storage"
	"fetchd/internal/ytdlp"
)

// client is a thin JSON client of the fetchd API.
type client struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func newClient(server, token string) *client {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	return &client{base: server, token: token, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) Submit(ctx context.Context, req downloads.Request) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tasks", req, &out)
	return out.ID, err
}

func (c *client) SubmitBatch(ctx context.Context, reqs []downloads.Request) ([]api.BatchResult, error) {
	var out struct {
		Results []api.BatchResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/tasks/batch", map[string]any{"tasks": reqs}, &out)
	return out.Results, err
}

func (c *client) Analyze(ctx context.Context, target string) (ytdlp.Analysis, error) {
	var out ytdlp.Analysis
	err := c.do(ctx, http.MethodGet, "/api/analyze?url="+url.QueryEscape(target), nil, &out)
	return out, err
}

func (c *client) List(ctx context.Context) ([]fetch.TaskInfo, error) {
	var out []fetch.TaskInfo
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out)
	return out, err
}

func (c *client) Get(ctx context.Context, id string) (fetch.TaskInfo, error) {
	var out fetch.TaskInfo
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Control posts one of cancel, pause, resume or retry.
func (c *client) Control(ctx context.Context, id, action string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+action, nil, nil)
}

func (c *client) Concurrency(ctx context.Context) (fetch.GateSnapshot, error) {
	var out fetch.GateSnapshot
	err := c.do(ctx, http.MethodGet, "/api/concurrency", nil, &out)
	return out, err
}

func (c *client) SetLimit(ctx context.Context, n int) (int, error) {
	var out struct {
		Limit int `json:"limit"`
	}
	err := c.do(ctx, http.MethodPut, "/api/concurrency", map[string]int{"limit": n}, &out)
	return out.Limit, err
}

func (c *client) History(ctx context.Context, q string, limit int) ([]storage.Record, error) {
	v := url.Values{}
	if q != "" {
		v.Set("q", q)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/history"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []storage.Record
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *client) DeleteHistory(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/history/"+url.PathEscape(id), nil, nil)
}

func (c *client) ClearHistory(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/history", nil, &out)
	return out.Deleted, err
}

// streamEvent is one server-sent event.
type streamEvent struct {
	Type   string
	Notice fetch.Notice
}

// Watch streams task notices until ctx ends or the server closes the stream.
func (c *client) Watch(ctx context.Context, task string, fn func(streamEvent)) error {
	path := "/api/events"
	if task != "" {
		path += "?task=" + url.QueryEscape(task)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	// No client timeout on a stream.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode}
	}
	return readEvents(resp.Body, fn)
}

func readEvents(r io.Reader, fn func(streamEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var typ, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if strings.HasPrefix(typ, "task.") {
				var n fetch.Notice
				if err := json.Unmarshal([]byte(data), &n); err == nil {
					fn(streamEvent{Type: typ, Notice: n})
				}
			}
			typ, data = "", ""
		case strings.HasPrefix(line, "event:"):
			typ = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return sc.Err()
}
