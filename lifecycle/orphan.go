package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/agentd/store"
	"github.com/c360studio/agentd/task"
)

// Context keys written by orphan recovery.
const (
	keyOrphanRecoveredAt       = "orphan_recovered_at"
	keyOrphanRecoveredByRunner = "orphan_recovered_by_runner"
	keyOrphanRunningSeconds    = "orphan_recovered_running_seconds"
	keyOrphanThresholdSeconds  = "orphan_recovered_threshold_seconds"
)

// orphanCandidate pairs a stale task with its observed running time.
type orphanCandidate struct {
	t       *task.Task
	seconds int
}

// RecoverOrphans fails tasks still marked running for a runner that
// just reported idle. Returns how many tasks were reclaimed.
func (c *Controller) RecoverOrphans(ctx context.Context, runnerID string) (int, error) {
	now := c.now().UTC()

	candidates, err := c.orphanCandidates(ctx, runnerID, now)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].seconds > candidates[j].seconds
	})
	if len(candidates) > c.opts.OrphanMaxTasks {
		candidates = candidates[:c.opts.OrphanMaxTasks]
	}

	recovered := 0
	for _, cand := range candidates {
		output := fmt.Sprintf(
			"Orphan: runner heartbeat reported idle while this task had been running for %d seconds (threshold %d seconds).",
			cand.seconds, c.opts.OrphanThresholdSec)
		failed := task.StatusFailed
		_, err := c.UpdateTask(ctx, cand.t.ID, &task.UpdateRequest{
			Status: &failed,
			Output: &output,
			Context: task.Context{
				keyOrphanRecoveredAt:       now.Format(time.RFC3339),
				keyOrphanRecoveredByRunner: runnerID,
				keyOrphanRunningSeconds:    cand.seconds,
				keyOrphanThresholdSeconds:  c.opts.OrphanThresholdSec,
			},
		}, runnerID)
		if err != nil {
			c.logger.Warn("Failed to reclaim orphan", "task_id", cand.t.ID, "error", err)
			continue
		}
		orphansRecovered.Inc()
		recovered++
	}

	if recovered > 0 && c.opts.HealOnOrphan {
		c.createHealTask(ctx, runnerID, recovered)
	}
	return recovered, nil
}

// orphanCandidates lists running tasks claimed by runnerID that have
// exceeded the threshold.
func (c *Controller) orphanCandidates(ctx context.Context, runnerID string, now time.Time) ([]orphanCandidate, error) {
	running := task.StatusRunning

	var out []orphanCandidate
	offset := 0
	for {
		items, total, err := c.tasks.List(ctx, store.ListFilter{
			Status: &running,
			Limit:  store.MaxListLimit,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list running tasks: %w", err)
		}

		for _, t := range items {
			if t.ClaimedBy != runnerID {
				continue
			}
			seconds := int(now.Sub(runningSince(t)).Seconds())
			if seconds >= c.opts.OrphanThresholdSec {
				out = append(out, orphanCandidate{t: t, seconds: seconds})
			}
		}

		offset += len(items)
		if offset >= total || len(items) == 0 {
			break
		}
	}
	return out, nil
}

// runningSince picks the best-known start of the current run.
func runningSince(t *task.Task) time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// createHealTask files a follow-up heal task for a recovery sweep.
func (c *Controller) createHealTask(ctx context.Context, runnerID string, recovered int) {
	direction := fmt.Sprintf(
		"Investigate runner %s: %d running task(s) were reclaimed as orphans after an idle heartbeat.",
		runnerID, recovered)
	if _, err := c.CreateTask(ctx, &task.CreateRequest{
		Direction: direction,
		Kind:      task.KindHeal,
	}); err != nil {
		c.logger.Warn("Failed to create heal task", "runner_id", runnerID, "error", err)
	}
}
