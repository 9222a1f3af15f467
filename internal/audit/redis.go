// ABOUTME: Redis stream sink for action log entries
// ABOUTME: Appends each entry with XADD so consumers can tail the audit trail

package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/dispatch-relay/internal/store"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "dispatch:action_log"

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	Addr   string
	Stream string
	// MaxLen trims the stream approximately to this many entries. Zero keeps all.
	MaxLen int64
}

// RedisSink appends action log entries to a Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSink creates a sink. Defaults: localhost:6379, DefaultStream.
func NewRedisSink(cfg RedisConfig) *RedisSink {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: cfg.MaxLen}
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// AppendActionLog adds e to the stream. Fields mirror the action_logs columns.
func (s *RedisSink) AppendActionLog(ctx context.Context, e *store.ActionLogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	values := map[string]any{
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"action_type": string(e.ActionType),
		"details":     e.Details,
	}
	if e.UserID != nil {
		values["user_id"] = *e.UserID
	}
	if e.IPAddress != nil {
		values["ip_address"] = *e.IPAddress
	}
	if e.ID != 0 {
		values["id"] = strconv.FormatInt(e.ID, 10)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending to stream %s: %w", s.stream, err)
	}
	return nil
}

// Recent returns up to n of the newest entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]store.ActionLogEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("reading stream %s: %w", s.stream, err)
	}

	entries := make([]store.ActionLogEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryFromValues(m.Values))
	}
	return entries, nil
}

func entryFromValues(v map[string]any) store.ActionLogEntry {
	str := func(k string) (string, bool) {
		s, ok := v[k].(string)
		return s, ok
	}

	var e store.ActionLogEntry
	if s, ok := str("action_type"); ok {
		e.ActionType = store.ActionType(s)
	}
	if s, ok := str("timestamp"); ok {
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := str("user_id"); ok {
		e.UserID = &s
	}
	if s, ok := str("ip_address"); ok {
		e.IPAddress = &s
	}
	if s, ok := str("id"); ok {
		e.ID, _ = strconv.ParseInt(s, 10, 64)
	}
	e.Details, _ = str("details")
	return e
}
