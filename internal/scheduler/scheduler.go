// Package scheduler wraps the four PL/pgSQL functions that are the sole
// writers of DAG run state: start_ready_steps, start_tasks, complete_task,
// and fail_task. Every call runs inside a transaction bounded by
// db.DefaultStatementTimeout; all multi-row mutation stays behind these
// narrow, named methods rather than ad hoc queries in callers.
package scheduler

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmguard/workflows/internal/db"
)

// Scheduler is the Go-side handle to the stored procedures.
type Scheduler struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func New(pool *pgxpool.Pool) *Scheduler {
	return &Scheduler{pool: pool, timeout: db.DefaultStatementTimeout}
}

// WithTimeout returns a copy of s using the given statement timeout,
// for callers (tests, CLI flags) that need a different bound.
func (s *Scheduler) WithTimeout(timeout time.Duration) *Scheduler {
	return &Scheduler{pool: s.pool, timeout: timeout}
}

// StartReadySteps materializes tasks for every step of runID whose
// dependencies are all satisfied, and returns the slugs it awakened.
func (s *Scheduler) StartReadySteps(ctx context.Context, runID string) ([]string, error) {
	var awakened []string
	err := db.WithStatementTimeout(ctx, s.pool, s.timeout, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT awakened_step FROM start_ready_steps($1)`, runID)
		if err != nil {
			return db.ClassifyError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var slug string
			if err := rows.Scan(&slug); err != nil {
				return db.ClassifyError(err)
			}
			awakened = append(awakened, slug)
		}
		return db.ClassifyError(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return awakened, nil
}

// ClaimedTask is one task start_tasks successfully claimed for a worker.
type ClaimedTask struct {
	RunID     string
	StepSlug  string
	TaskIndex int
	Input     []byte
	MessageID int64
}

// StartTasks claims the tasks named by msgIDs for workerID: a task still
// 'queued' is a fresh claim, a task 'started' under the same message id
// whose claim is older than claimTTL is a visibility-timeout-expiry
// reclaim from a crashed worker. claimTTL should be the visibility timeout
// the caller polls with. A message whose task was claimed by a racing
// worker, or already resolved, is silently dropped from the result; a
// crash reclaim that exhausts max_attempts fails the task/step/run instead
// of being returned as claimed.
func (s *Scheduler) StartTasks(ctx context.Context, workflowSlug string, msgIDs []int64, workerID string, claimTTL time.Duration) ([]ClaimedTask, error) {
	var claimed []ClaimedTask
	err := db.WithStatementTimeout(ctx, s.pool, s.timeout, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT out_run_id, out_step_slug, out_task_index, out_input, out_message_id FROM start_tasks($1, $2, $3, $4)`,
			workflowSlug, msgIDs, workerID, claimTTL.Seconds())
		if err != nil {
			return db.ClassifyError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var t ClaimedTask
			if err := rows.Scan(&t.RunID, &t.StepSlug, &t.TaskIndex, &t.Input, &t.MessageID); err != nil {
				return db.ClassifyError(err)
			}
			claimed = append(claimed, t)
		}
		return db.ClassifyError(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask records a successful task outcome. It is idempotent: a task
// no longer in 'started' (already completed by a different claimer after a
// visibility-timeout race) yields completed=false rather than an error.
func (s *Scheduler) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, output []byte) (completed bool, err error) {
	txErr := db.WithStatementTimeout(ctx, s.pool, s.timeout, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT out_completed FROM complete_task($1, $2, $3, $4)`,
			runID, stepSlug, taskIndex, output).Scan(&completed)
	})
	if txErr != nil {
		return false, db.ClassifyError(txErr)
	}
	return completed, nil
}

// FailTask records a failed task attempt: requeued if attempts remain,
// else the task, its step, and the run all transition to failed.
func (s *Scheduler) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, errorText string) (retried bool, err error) {
	txErr := db.WithStatementTimeout(ctx, s.pool, s.timeout, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT out_retried FROM fail_task($1, $2, $3, $4)`,
			runID, stepSlug, taskIndex, errorText).Scan(&retried)
	})
	if txErr != nil {
		return false, db.ClassifyError(txErr)
	}
	return retried, nil
}
