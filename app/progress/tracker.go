// Package progress keeps per-job, per-stage pending item sets in Redis and
// serializes updates to them with a single-owner lock.
package progress

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StageProcess = "process"
	StageResults = "results"

	DefaultTTL = 7 * 24 * time.Hour
)

// DefaultStages are the stages an async ML job tracks
var DefaultStages = []string{StageProcess, StageResults}

// Progress is a point-in-time snapshot of one job stage
type Progress struct {
	Remaining  int     `json:"remaining"`
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Percentage float64 `json:"percentage"`
	Failed     int     `json:"failed"`
}

// NewProgress derives processed and percentage from a total and remaining count.
// An empty job is vacuously complete.
func NewProgress(total, remaining, failed int) *Progress {
	if remaining > total {
		remaining = total
	}
	processed := total - remaining
	percentage := 1.0
	if total > 0 {
		percentage = float64(processed) / float64(total)
	}
	return &Progress{
		Remaining:  remaining,
		Total:      total,
		Processed:  processed,
		Percentage: percentage,
		Failed:     failed,
	}
}

// Complete reports whether nothing remains pending
func (p *Progress) Complete() bool {
	return p != nil && p.Remaining == 0
}

// Tracker stores pending sets, failed sets and total counts for jobs
type Tracker struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewTracker creates a tracker. A zero ttl uses DefaultTTL.
func NewTracker(rdb redis.UniversalClient, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{rdb: rdb, ttl: ttl}
}

func pendingKey(jobID int64, stage string) string {
	return fmt.Sprintf("job:{%d}:pending_images:%s", jobID, stage)
}

func totalKey(jobID int64) string {
	return fmt.Sprintf("job:{%d}:pending_images_total", jobID)
}

func failedKey(jobID int64) string {
	return fmt.Sprintf("job:{%d}:failed_images", jobID)
}

func stagesKey(jobID int64) string {
	return fmt.Sprintf("job:{%d}:stages", jobID)
}

// Initialize stores itemIDs as the pending set of every stage. Calling it again
// overwrites the previous state; callers must not race two initializations.
func (t *Tracker) Initialize(ctx context.Context, jobID int64, stages []string, itemIDs []string) error {
	ids := unique(itemIDs)
	members := toArgs(ids)
	stageArgs := toArgs(stages)

	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stagesKey(jobID), failedKey(jobID))
		for _, stage := range stages {
			key := pendingKey(jobID, stage)
			pipe.Del(ctx, key)
			if len(members) > 0 {
				pipe.SAdd(ctx, key, members...)
				pipe.Expire(ctx, key, t.ttl)
			}
		}
		if len(stageArgs) > 0 {
			pipe.SAdd(ctx, stagesKey(jobID), stageArgs...)
			pipe.Expire(ctx, stagesKey(jobID), t.ttl)
		}
		pipe.Set(ctx, totalKey(jobID), len(ids), t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize progress for job %d: %w", jobID, err)
	}
	return nil
}

// GetProgress returns the current snapshot of a stage without locking.
// It returns nil when the job or stage is not initialized.
func (t *Tracker) GetProgress(ctx context.Context, jobID int64, stage string) (*Progress, error) {
	var (
		totalCmd     *redis.StringCmd
		memberCmd    *redis.BoolCmd
		remainingCmd *redis.IntCmd
		failedCmd    *redis.IntCmd
	)
	_, err := t.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		totalCmd = pipe.Get(ctx, totalKey(jobID))
		memberCmd = pipe.SIsMember(ctx, stagesKey(jobID), stage)
		remainingCmd = pipe.SCard(ctx, pendingKey(jobID, stage))
		failedCmd = pipe.SCard(ctx, failedKey(jobID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read progress for job %d: %w", jobID, err)
	}

	total, err := totalCmd.Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse total for job %d: %w", jobID, err)
	}
	if !memberCmd.Val() {
		return nil, nil
	}
	return NewProgress(total, int(remainingCmd.Val()), int(failedCmd.Val())), nil
}

// commitScript removes processed ids from a stage's pending set and unions
// failed ids into the job's failed set in one atomic step. It returns nil when
// the job or stage is not initialized.
//
// KEYS: total, stages, pending, failed
// ARGV: stage, ttl_ms, processed_count, processed..., failed...
var commitScript = redis.NewScript(`
local total = redis.call("GET", KEYS[1])
if not total then
	return false
end
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 0 then
	return false
end
local np = tonumber(ARGV[3])
for i = 1, np do
	redis.call("SREM", KEYS[3], ARGV[3 + i])
end
for i = 4 + np, #ARGV do
	redis.call("SADD", KEYS[4], ARGV[i])
end
if redis.call("EXISTS", KEYS[4]) == 1 then
	redis.call("PEXPIRE", KEYS[4], ARGV[2])
end
return {tonumber(total), redis.call("SCARD", KEYS[3]), redis.call("SCARD", KEYS[4])}
`)

// CommitUpdate marks processedIDs as done for a stage and records failedIDs.
// The caller must hold the job's Lock. Removing an id that is no longer
// pending is a no-op, so redelivered results never double count.
// It returns nil when the stage was never initialized or was cleaned up.
func (t *Tracker) CommitUpdate(ctx context.Context, jobID int64, stage string, processedIDs, failedIDs []string) (*Progress, error) {
	processed := unique(processedIDs)
	failed := unique(failedIDs)

	args := make([]interface{}, 0, 3+len(processed)+len(failed))
	args = append(args, stage, t.ttl.Milliseconds(), len(processed))
	args = append(args, toArgs(processed)...)
	args = append(args, toArgs(failed)...)

	keys := []string{totalKey(jobID), stagesKey(jobID), pendingKey(jobID, stage), failedKey(jobID)}
	res, err := commitScript.Run(ctx, t.rdb, keys, args...).Int64Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to commit progress for job %d stage %s: %w", jobID, stage, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected commit reply for job %d: %v", jobID, res)
	}
	return NewProgress(int(res[0]), int(res[1]), int(res[2])), nil
}

// PendingIDs lists the ids of a stage that are not resolved yet
func (t *Tracker) PendingIDs(ctx context.Context, jobID int64, stage string) ([]string, error) {
	ids, err := t.rdb.SMembers(ctx, pendingKey(jobID, stage)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list pending ids for job %d: %w", jobID, err)
	}
	slices.Sort(ids)
	return ids, nil
}

// FailedIDs lists the ids recorded as failed for a job
func (t *Tracker) FailedIDs(ctx context.Context, jobID int64) ([]string, error) {
	ids, err := t.rdb.SMembers(ctx, failedKey(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list failed ids for job %d: %w", jobID, err)
	}
	return ids, nil
}

// Cleanup removes every key belonging to the job. Safe to call repeatedly.
func (t *Tracker) Cleanup(ctx context.Context, jobID int64) error {
	stages, err := t.rdb.SMembers(ctx, stagesKey(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list stages for job %d: %w", jobID, err)
	}

	keys := []string{stagesKey(jobID), totalKey(jobID), failedKey(jobID)}
	for _, stage := range stages {
		keys = append(keys, pendingKey(jobID, stage))
	}
	// Also clear the default stages in case the stage list already expired
	for _, stage := range DefaultStages {
		keys = append(keys, pendingKey(jobID, stage))
	}

	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clean up progress for job %d: %w", jobID, err)
	}
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toArgs(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
