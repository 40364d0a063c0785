// Package eventbus mirrors workflow events onto a Redis stream so other
// processes can follow a run without holding a websocket.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/control-tower/internal/event"
)

// Stream is the Redis stream key events are appended to.
const Stream = "control-tower:events"

const defaultMaxLen = 1000

// Mirror appends every broadcast event to a capped Redis stream.
type Mirror struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// Connect parses redisURL, pings the server and returns a Mirror on Stream.
func Connect(ctx context.Context, redisURL string, logger *zap.Logger) (*Mirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewMirror(rdb, Stream, defaultMaxLen, logger), nil
}

// NewMirror wraps an existing client. The stream is trimmed to roughly maxLen
// entries.
func NewMirror(rdb *redis.Client, stream string, maxLen int64, logger *zap.Logger) *Mirror {
	return &Mirror{rdb: rdb, stream: stream, maxLen: maxLen, logger: logger}
}

// Run follows b and appends each event until ctx ends or b closes.
func (m *Mirror) Run(ctx context.Context, b *event.Broadcaster) {
	m.logger.Info("mirroring events to redis", zap.String("stream", m.stream))
	b.Follow(ctx, "redis-mirror", func(e event.Event) {
		if err := m.Append(ctx, e); err != nil && ctx.Err() == nil {
			m.logger.Warn("mirror append failed", zap.String("run_id", e.RunID), zap.Error(err))
		}
	})
}

// Append writes one event to the stream.
func (m *Mirror) Append(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":   string(e.Type),
			"run_id": e.RunID,
			"seq":    e.Seq,
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", m.stream, err)
	}
	return nil
}

// Record is one mirrored event read back from the stream.
type Record struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// Tail streams records after fromID ("$" for new ones only, "0" for the whole
// stream). The channel closes when ctx ends.
func (m *Mirror) Tail(ctx context.Context, fromID string) <-chan Record {
	ch := make(chan Record, 16)
	if fromID == "" {
		fromID = "$"
	}

	go func() {
		defer close(ch)
		lastID := fromID

		for ctx.Err() == nil {
			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{m.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("tail read failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					typ, _ := msg.Values["type"].(string)
					runID, _ := msg.Values["run_id"].(string)
					select {
					case ch <- Record{ID: msg.ID, Type: typ, RunID: runID, Data: json.RawMessage(data)}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
