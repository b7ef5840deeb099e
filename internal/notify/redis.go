package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"fetchd/internal/fetch"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the status mirror.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisSink mirrors each task into a hash "<prefix>task:<id>" and publishes
// settled notices on "<prefix>events".
type RedisSink struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisSinkWithClient(rdb, opts.KeyPrefix, opts.TTL)
}

func NewRedisSinkWithClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisSink) Close() error { return s.rdb.Close() }

func (s *RedisSink) TaskKey(id string) string { return s.prefix + "task:" + id }

func (s *RedisSink) EventsChannel() string { return s.prefix + "events" }

func (s *RedisSink) Notify(ctx context.Context, typ string, n fetch.Notice) error {
	key := s.TaskKey(n.TaskID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, statusFields(n))
	pipe.Expire(ctx, key, s.ttl)
	if settles(typ) {
		b, err := json.Marshal(struct {
			Type string `json:"type"`
			fetch.Notice
		}{Type: typ, Notice: n})
		if err != nil {
			return err
		}
		pipe.Publish(ctx, s.EventsChannel(), b)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func statusFields(n fetch.Notice) map[string]any {
	// Empty strings are written too so a retried task clears its old error.
	return map[string]any{
		"id":         n.TaskID,
		"url":        n.URL,
		"quality":    n.Quality,
		"state":      string(n.State),
		"percent":    strconv.Itoa(n.Percent),
		"status":     n.Status,
		"path":       n.Path,
		"error":      n.Error,
		"generation": strconv.FormatUint(n.Generation, 10),
		"updated":    n.Time.UTC().Format(time.RFC3339),
	}
}

// settles reports whether typ ends a generation.
func settles(typ string) bool {
	switch typ {
	case fetch.EventCompleted, fetch.EventFailed, fetch.EventPaused, fetch.EventCancelled:
		return true
	}
	return false
}
