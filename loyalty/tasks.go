/*
tasks.go - Task progress tracking

PURPOSE:
  Advances every task of a program when an earn transaction commits, marks
  tasks complete and grants their reward exactly once.

ALGORITHM (per earn transaction):
  1. Load all tasks of the transaction's program
  2. For each task, load or create the (user, task) progress
  3. points_earned += tx.Points, transactions_count += 1
  4. If requirements are met and completed_at is unset, set completed_at
  5. Commit the progress (version checked, retried on conflict)
  6. If completed, make sure the reward transaction exists

  Redemptions and reward grants do not advance progress.

ISOLATION:
  Each task is its own atomic unit and no account lock is held during the
  fan-out. A failing task is recorded in a PartialFailureError and the
  remaining tasks are still processed. The triggering transaction is
  already committed and is never undone here.

EXACTLY-ONCE REWARD:
  completed_at is a one-way transition guarded by the progress version, and
  the reward transaction carries RewardKey(user, task) as idempotency key,
  so the store refuses a second grant even if completion is re-evaluated.

DEADLINES:
  Task.Deadline() is informational. Progress accrues after it passes.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// TaskTracker maintains task progress records.
type TaskTracker struct {
	store    Store
	balance  *BalanceEngine
	clock    Clock
	retry    RetryPolicy
	log      logrus.FieldLogger
	recorder Recorder
	locks    *keyLocks
}

func NewTaskTracker(store Store, balance *BalanceEngine, opts Options) *TaskTracker {
	opts = opts.withDefaults()
	return &TaskTracker{
		store:    store,
		balance:  balance,
		clock:    opts.Clock,
		retry:    opts.Retry,
		log:      opts.Logger,
		recorder: opts.Recorder,
		locks:    newKeyLocks(),
	}
}

// TrackResult is what one Track call changed.
type TrackResult struct {
	// Completed holds the progress records this call completed.
	Completed []TaskProgress
	// Rewards is the number of reward transactions this call committed,
	// including rewards of tasks completed earlier whose grant had failed.
	Rewards int
}

// Track advances all tasks of tx's program.
//
// On per-task failures it returns what it did manage together with a
// *PartialFailureError.
func (t *TaskTracker) Track(ctx context.Context, tx Transaction) (TrackResult, error) {
	var result TrackResult
	if tx.Kind != KindEarn || tx.IsTaskReward() {
		return result, nil
	}

	tasks, err := t.store.ListTasks(ctx, tx.ProgramID)
	if err != nil {
		return result, fmt.Errorf("listing tasks of program %s: %w", tx.ProgramID, err)
	}

	var failures []TaskFailure
	for _, task := range tasks {
		out, err := t.update(ctx, "track", task, tx.UserID, func(p *TaskProgress) error {
			p.PointsEarned += tx.Points
			p.TransactionsCount++
			return nil
		})
		if err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{
				"task_id":        task.ID,
				"user_id":        tx.UserID,
				"transaction_id": tx.ID,
			}).Warn("task progress update failed")
			failures = append(failures, TaskFailure{TaskID: task.ID, Err: err})
			continue
		}
		if out.rewarded {
			result.Rewards++
		}
		if out.newly {
			result.Completed = append(result.Completed, out.progress)
		}
	}

	if len(failures) > 0 {
		return result, &PartialFailureError{TransactionID: tx.ID, Failures: failures}
	}
	return result, nil
}

// Upsert writes progress fields directly and then evaluates completion.
// Accumulators may not decrease.
func (t *TaskTracker) Upsert(ctx context.Context, userID UserID, taskID TaskID, upd ProgressUpdate) (TaskProgress, bool, error) {
	if err := validateUser(userID); err != nil {
		return TaskProgress{}, false, err
	}
	if upd.PointsEarned != nil && *upd.PointsEarned < 0 {
		return TaskProgress{}, false, fmt.Errorf("%w: points_earned must not be negative", ErrInvalidInput)
	}
	if upd.TransactionsCount != nil && *upd.TransactionsCount < 0 {
		return TaskProgress{}, false, fmt.Errorf("%w: transactions_count must not be negative", ErrInvalidInput)
	}

	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskProgress{}, false, err
	}

	out, err := t.update(ctx, "upsert_progress", task, userID, func(p *TaskProgress) error {
		if upd.PointsEarned != nil {
			if *upd.PointsEarned < p.PointsEarned {
				return fmt.Errorf("%w: points_earned cannot decrease from %d to %d",
					ErrInvalidInput, p.PointsEarned, *upd.PointsEarned)
			}
			p.PointsEarned = *upd.PointsEarned
		}
		if upd.TransactionsCount != nil {
			if *upd.TransactionsCount < p.TransactionsCount {
				return fmt.Errorf("%w: transactions_count cannot decrease from %d to %d",
					ErrInvalidInput, p.TransactionsCount, *upd.TransactionsCount)
			}
			p.TransactionsCount = *upd.TransactionsCount
		}
		return nil
	})
	return out.progress, out.newly, err
}

// Evaluate re-runs the completion check for an existing progress record.
func (t *TaskTracker) Evaluate(ctx context.Context, userID UserID, taskID TaskID) (TaskProgress, bool, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskProgress{}, false, err
	}
	if _, err := t.store.GetTaskProgress(ctx, userID, taskID); err != nil {
		return TaskProgress{}, false, err
	}
	out, err := t.update(ctx, "evaluate_progress", task, userID, func(*TaskProgress) error { return nil })
	return out.progress, out.newly, err
}

type progressOutcome struct {
	progress TaskProgress
	newly    bool
	rewarded bool
}

// update is the read-modify-write of one progress record. It reports the
// saved record, whether this call completed the task and whether it
// committed the reward.
func (t *TaskTracker) update(
	ctx context.Context,
	op string,
	task Task,
	userID UserID,
	mutate func(*TaskProgress) error,
) (progressOutcome, error) {
	key := string(userID) + "/" + string(task.ID)
	unlock := t.locks.lock("progress:" + key)
	defer unlock()

	var (
		saved TaskProgress
		newly bool
	)
	err := t.retry.run(ctx, op, key, func() { t.recorder.Conflict(op) }, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := t.store.GetTaskProgress(ctx, userID, task.ID)
		switch {
		case errors.Is(err, ErrProgressNotFound):
			current = TaskProgress{UserID: userID, TaskID: task.ID, ProgramID: task.ProgramID}
		case err != nil:
			return err
		}

		next := current
		if err := mutate(&next); err != nil {
			return err
		}

		now := t.clock.Now()
		newly = false
		if !next.Completed() && next.Satisfies(task) {
			completedAt := now
			next.CompletedAt = &completedAt
			newly = true
		}
		next.UpdatedAt = now

		saved, err = t.store.CommitTaskProgress(ctx, next, current.Version)
		return err
	})
	if err != nil {
		t.recorder.Rejected(op, err)
		return progressOutcome{}, err
	}

	if newly {
		t.recorder.TaskCompleted(task.ProgramID, task.ID)
		t.log.WithFields(logrus.Fields{
			"task_id":    task.ID,
			"program_id": task.ProgramID,
			"user_id":    userID,
		}).Info("task completed")
	}

	out := progressOutcome{progress: saved, newly: newly}
	if saved.Completed() {
		rewarded, err := t.settleReward(ctx, task, saved)
		if err != nil {
			return out, fmt.Errorf("granting reward for task %s: %w", task.ID, err)
		}
		out.rewarded = rewarded
	}
	return out, nil
}

// settleReward grants the task reward unless it was already granted. It
// reports whether this call committed the reward transaction.
func (t *TaskTracker) settleReward(ctx context.Context, task Task, p TaskProgress) (bool, error) {
	if task.RewardPoints <= 0 {
		return false, nil
	}

	key := RewardKey(p.UserID, task.ID)
	granted, err := t.store.TransactionExists(ctx, key)
	if err != nil {
		return false, err
	}
	if granted {
		return false, nil
	}

	_, tx, err := t.balance.Credit(ctx, p.UserID, task.ProgramID, task.RewardPoints, CreditOptions{
		Reason:         ReasonTaskReward,
		ReferenceID:    string(task.ID),
		IdempotencyKey: key,
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	t.recorder.RewardGranted(task.ProgramID, task.RewardPoints)
	t.log.WithFields(logrus.Fields{
		"task_id":        task.ID,
		"user_id":        p.UserID,
		"points":         task.RewardPoints,
		"transaction_id": tx.ID,
	}).Info("task reward granted")
	return true, nil
}
