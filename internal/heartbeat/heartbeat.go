// Package heartbeat publishes worker liveness to Redis so any instance can
// report on every worker from /healthz.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/worker"
)

const keyPrefix = "enrollment:worker:"

// Status is one worker's last published heartbeat.
type Status struct {
	WorkerID    string       `json:"worker_id"`
	PublishedAt time.Time    `json:"published_at"`
	Stats       worker.Stats `json:"stats"`
}

// Publisher writes heartbeats with a TTL so dead workers age out.
type Publisher struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("heartbeat: connect to redis: %w", err)
	}
	log.Printf("[heartbeat] Connected to Redis at %s", opts.Addr)
	return rdb, nil
}

// NewPublisher wraps a Redis client. ttl should exceed a few heartbeat intervals.
func NewPublisher(rdb *redis.Client, ttl time.Duration) *Publisher {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Publisher{rdb: rdb, ttl: ttl, now: time.Now}
}

// Publish stores the current stats for workerID.
func (p *Publisher) Publish(ctx context.Context, workerID string, stats worker.Stats) error {
	raw, err := json.Marshal(Status{WorkerID: workerID, PublishedAt: p.now().UTC(), Stats: stats})
	if err != nil {
		return err
	}
	if err := p.rdb.Set(ctx, keyPrefix+workerID, raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat: publish %s: %w", workerID, err)
	}
	return nil
}

// Workers returns every worker whose heartbeat has not expired.
func (p *Publisher) Workers(ctx context.Context) ([]Status, error) {
	var keys []string
	iter := p.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("heartbeat: scan workers: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: read workers: %w", err)
	}

	out := make([]Status, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var st Status
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			log.Printf("[heartbeat] skipping unreadable entry %s: %v", keys[i], err)
			continue
		}
		if st.WorkerID == "" {
			st.WorkerID = strings.TrimPrefix(keys[i], keyPrefix)
		}
		out = append(out, st)
	}
	return out, nil
}

// Instrumentation returns worker hooks that publish each heartbeat.
func (p *Publisher) Instrumentation() *worker.Instrumentation {
	return &worker.Instrumentation{
		OnHeartbeat: func(workerID string, stats worker.Stats) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.Publish(ctx, workerID, stats); err != nil {
				log.Printf("[heartbeat] %v", err)
			}
		},
	}
}
