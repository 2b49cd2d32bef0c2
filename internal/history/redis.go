package history

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink keeps each run in a hash and its tool calls in a stream.
type RedisSink struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// OpenRedis connects to a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisSink(client), nil
}

func newRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, keyPrefix: "tabrelay:run:", ttl: 7 * 24 * time.Hour}
}

func (s *RedisSink) runKey(runID string) string {
	return s.keyPrefix + runID
}

func (s *RedisSink) callsKey(runID string) string {
	return s.keyPrefix + runID + ":calls"
}

func (s *RedisSink) StartRun(ctx context.Context, run Run) error {
	key := s.runKey(run.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"session_id":     run.SessionID,
		"instance_id":    run.InstanceID,
		"server_version": run.ServerVersion,
		"proto_version":  run.ProtoVersion,
		"status":         string(StatusRunning),
		"started_at":     ts(run.StartedAt),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

func (s *RedisSink) RecordToolCall(ctx context.Context, call ToolCall) error {
	key := s.callsKey(call.RunID)
	pipe := s.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"call_id":     call.ID,
			"seq":         call.Seq,
			"tool_name":   call.Tool,
			"session_id":  call.SessionID,
			"instance_id": call.InstanceID,
			"tab_id":      call.TabID,
			"started_at":  ts(call.StartedAt),
			"ended_at":    ts(call.EndedAt),
			"success":     call.Success,
			"error_msg":   call.Error,
			"input":       string(call.Input),
			"output":      string(call.Output),
		},
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *RedisSink) FinishRun(ctx context.Context, runID string, status Status, at time.Time) error {
	if err := s.client.HSet(ctx, s.runKey(runID), "status", string(status), "ended_at", ts(at)).Err(); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
