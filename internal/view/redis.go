package view

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/dettest/internal/pool"
)

// Redis publishes run progress to Redis so several runs can be watched from
// one place.
//
// Key structure:
//
//	{prefix}:{run_id}            - hash with the counters of the run
//	{prefix}:{run_id}:workers    - hash of worker name -> JSON status
//	{prefix}:{run_id}:completed  - list of JSON outcomes in completion order
//	{prefix}:runs                - sorted set of run ids by start time
//
// Every key expires after the configured TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	pushed int
}

// RedisConfig configures the Redis view.
type RedisConfig struct {
	URL    string
	Prefix string
	TTL    time.Duration
}

// NewRedis connects to cfg.URL and checks the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing connection.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "dettest:run"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(runID string, parts ...string) string {
	k := r.prefix + ":" + runID
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) Update(ctx context.Context, s pool.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(ctx, s)
}

// Close writes the final snapshot and closes the connection.
func (r *Redis) Close(ctx context.Context, s pool.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.write(ctx, s)
	if cerr := r.client.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return err
}

func (r *Redis) write(ctx context.Context, s pool.Snapshot) error {
	st := NewStatus(s)
	runKey := r.key(s.RunID)
	workersKey := r.key(s.RunID, "workers")
	completedKey := r.key(s.RunID, "completed")
	runsKey := r.prefix + ":runs"

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, runKey, map[string]any{
		"run_id":     st.RunID,
		"started":    st.Started.Unix(),
		"total":      st.Total,
		"queued":     st.Queued,
		"running":    st.Running,
		"completed":  st.Completed,
		"passed":     st.Passed,
		"failed":     st.Failed,
		"percent":    strconv.FormatFloat(st.Percent, 'f', 1, 64),
		"finished":   st.Finished,
		"reason":     st.Reason,
		"updated_at": st.UpdatedAt.Unix(),
	})
	pipe.Expire(ctx, runKey, r.ttl)

	if len(st.Workers) > 0 {
		fields := make(map[string]any, len(st.Workers))
		for _, w := range st.Workers {
			data, err := json.Marshal(w)
			if err != nil {
				return fmt.Errorf("marshal worker %s: %w", w.Name, err)
			}
			fields[w.Name] = data
		}
		pipe.HSet(ctx, workersKey, fields)
		pipe.Expire(ctx, workersKey, r.ttl)
	}

	pushed := r.pushed
	if len(s.Completed) > pushed {
		items := make([]any, 0, len(s.Completed)-pushed)
		for _, d := range s.Completed[pushed:] {
			data, err := json.Marshal(NewOutcome(d))
			if err != nil {
				return fmt.Errorf("marshal outcome %s: %w", d.Name, err)
			}
			items = append(items, data)
		}
		pipe.RPush(ctx, completedKey, items...)
		pipe.Expire(ctx, completedKey, r.ttl)
	}

	pipe.ZAdd(ctx, runsKey, redis.Z{Score: float64(st.Started.Unix()), Member: st.RunID})
	pipe.Expire(ctx, runsKey, r.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	r.pushed = len(s.Completed)
	return nil
}
