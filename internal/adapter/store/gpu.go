package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// GPU-level concurrency control on top of the per-user generation locks.
// The counter bounds concurrent backend invocations; the per-task marker
// carries a TTL so a crashed worker cannot pin a slot forever.
const (
	gpuJobsKey   = "gpu:active_jobs"
	gpuJobPrefix = "gpu:job:"

	// GPUJobTTL is the crash-recovery shield on the per-task marker.
	GPUJobTTL = 15 * time.Minute
)

var acquireScript = redis.NewScript(`
local jobs_key = KEYS[1]
local job_key = KEYS[2]
local max_jobs = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', jobs_key) or 0)

if current >= max_jobs then
  return 0
end

redis.call('INCR', jobs_key)
redis.call('SETEX', job_key, ttl, '1')

return 1
`)

var releaseScript = redis.NewScript(`
local jobs_key = KEYS[1]
local job_key = KEYS[2]

if redis.call('EXISTS', job_key) == 0 then
  return tonumber(redis.call('GET', jobs_key) or 0)
end

local current = tonumber(redis.call('GET', jobs_key) or 0)
if current > 0 then
  redis.call('DECR', jobs_key)
end
redis.call('DEL', job_key)

return tonumber(redis.call('GET', jobs_key) or 0)
`)

// GPUSemaphore bounds concurrent backend invocations across all workers.
type GPUSemaphore struct {
	s       *Store
	maxJobs int
}

// NewGPUSemaphore builds the semaphore with the configured slot count.
func NewGPUSemaphore(s *Store, maxJobs int) *GPUSemaphore {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &GPUSemaphore{s: s, maxJobs: maxJobs}
}

// MaxJobs returns the configured slot count.
func (g *GPUSemaphore) MaxJobs() int { return g.maxJobs }

func gpuJobKey(taskID string) string { return gpuJobPrefix + taskID }

// Acquire atomically takes a GPU slot for the task. Returns false when all
// slots are occupied.
func (g *GPUSemaphore) Acquire(ctx context.Context, taskID string) (bool, error) {
	res, err := g.s.EvalAtomic(ctx, acquireScript,
		[]string{gpuJobsKey, gpuJobKey(taskID)},
		g.maxJobs, int(GPUJobTTL.Seconds()))
	if err != nil {
		return false, fmt.Errorf("op=gpu.acquire task=%s: %w", taskID, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release returns the slot held by the task, if any. Releasing a task that
// holds no marker is a no-op so double-release is safe.
func (g *GPUSemaphore) Release(ctx context.Context, taskID string) error {
	if _, err := g.s.EvalAtomic(ctx, releaseScript,
		[]string{gpuJobsKey, gpuJobKey(taskID)}); err != nil {
		return fmt.Errorf("op=gpu.release task=%s: %w", taskID, err)
	}
	return nil
}

// ActiveJobs reads the current slot counter.
func (g *GPUSemaphore) ActiveJobs(ctx context.Context) (int64, error) {
	v, err := g.s.Get(ctx, gpuJobsKey)
	if err != nil {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscan(v, &n); err != nil {
		return 0, nil
	}
	return n, nil
}

// SweepStale rebuilds the counter from live per-task markers. Markers expire
// on their own; the counter does not, so a crashed worker leaves it drifted
// until this runs. Returns the absolute drift corrected.
func (g *GPUSemaphore) SweepStale(ctx context.Context) (int64, error) {
	keys, err := g.s.ScanKeys(ctx, gpuJobPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("op=gpu.sweep: %w", err)
	}
	actual := int64(0)
	for _, k := range keys {
		if strings.HasPrefix(k, gpuJobPrefix) {
			actual++
		}
	}
	reported, err := g.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	if actual == reported {
		return 0, nil
	}
	slog.Warn("gpu job count drift, rebuilding",
		slog.Int64("reported", reported), slog.Int64("actual", actual))
	if actual > 0 {
		if err := g.s.Set(ctx, gpuJobsKey, fmt.Sprintf("%d", actual), 0); err != nil {
			return 0, err
		}
	} else if err := g.s.Del(ctx, gpuJobsKey); err != nil {
		return 0, err
	}
	drift := reported - actual
	if drift < 0 {
		drift = -drift
	}
	return drift, nil
}
