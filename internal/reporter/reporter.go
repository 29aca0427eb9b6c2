package reporter

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"taskpilot/internal/agent/core"
)

// LogReporter writes progress snapshots to the process log. It is the default
// when no redis is configured.
type LogReporter struct {
	logger *log.Logger
}

func NewLogReporter() *LogReporter {
	return &LogReporter{logger: log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags)}
}

func (r *LogReporter) Report(ctx context.Context, update core.ProgressUpdate) {
	r.logger.Printf("run %s: %.0f%% (%d steps) %s",
		update.RunID, update.ProgressPercent, update.TotalSteps, update.CurrentStepLabel)
}

// RedisReporter persists the latest snapshot per run so UIs can poll progress
// without hitting the agent. Snapshots expire; Redis is a cache here, the
// durable record lives in Postgres.
type RedisReporter struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewRedisReporter(client *redis.Client, ttl time.Duration) *RedisReporter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisReporter{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags),
	}
}

func progressKey(runID string) string { return "taskpilot:progress:" + runID }

func (r *RedisReporter) Report(ctx context.Context, update core.ProgressUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		r.logger.Printf("marshal snapshot for run %s: %v", update.RunID, err)
		return
	}
	if err := r.client.Set(ctx, progressKey(update.RunID), payload, r.ttl).Err(); err != nil {
		// Progress persistence is best-effort: a redis hiccup must not
		// slow down or fail the run.
		r.logger.Printf("persist snapshot for run %s: %v", update.RunID, err)
	}
}

// Load returns the latest snapshot for a run, or false when none is stored.
func (r *RedisReporter) Load(ctx context.Context, runID string) (core.ProgressUpdate, bool, error) {
	raw, err := r.client.Get(ctx, progressKey(runID)).Bytes()
	if err == redis.Nil {
		return core.ProgressUpdate{}, false, nil
	}
	if err != nil {
		return core.ProgressUpdate{}, false, err
	}
	var update core.ProgressUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return core.ProgressUpdate{}, false, err
	}
	return update, true, nil
}
