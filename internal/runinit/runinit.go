// Package runinit implements the Run Initializer: it materializes a
// workflow.Definition and a caller's input into a new run, ready for the
// scheduler to start stepping through. The row inserts share one
// transaction; queue.Ensure and start_ready_steps run after it commits, and
// a failure in either deletes the run again rather than rolling back.
package runinit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmguard/workflows/internal/db"
	"github.com/swarmguard/workflows/internal/idgen"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/workflow"
	"github.com/swarmguard/workflows/internal/workflowerr"
)

// Initializer creates runs for a fixed workflow.Definition.
type Initializer struct {
	pool  *pgxpool.Pool
	q     queue.Adapter
	sched *scheduler.Scheduler
	ids   idgen.IDGen
}

func New(pool *pgxpool.Pool, q queue.Adapter, sched *scheduler.Scheduler, ids idgen.IDGen) *Initializer {
	if ids == nil {
		ids = idgen.UUIDGen{}
	}
	return &Initializer{pool: pool, q: q, sched: sched, ids: ids}
}

// StartRun materializes a new run:
// insert the Run, upsert the Workflow/WorkflowStep/dependency-def rows if
// this is the first run of def, insert per-run StepState and
// StepDependency rows, ensure the queue exists, and kick off the first
// batch of ready steps. Returns the new run's id.
func (r *Initializer) StartRun(ctx context.Context, def *workflow.Definition, input map[string]any) (string, error) {
	if err := validateResolvable(def); err != nil {
		return "", err
	}

	runID := r.ids.NewID()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", workflowerr.Validation("marshal run input: %v", err)
	}

	err = db.WithStatementTimeout(ctx, r.pool, db.DefaultStatementTimeout, func(tx pgx.Tx) error {
		if err := upsertWorkflowDef(ctx, tx, def); err != nil {
			return err
		}

		depCounts := make(map[string]int, len(def.Steps()))
		for _, step := range def.Steps() {
			depCounts[step] = len(def.Deps(step))
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_runs (run_id, workflow_slug, status, input, remaining_steps)
			 VALUES ($1, $2, 'started', $3, $4)`,
			runID, def.Slug, inputJSON, len(def.Steps())); err != nil {
			return db.ClassifyError(err)
		}

		for _, step := range def.Steps() {
			meta := def.Metadata(step)
			if _, err := tx.Exec(ctx,
				`INSERT INTO workflow_step_states (run_id, step_slug, status, remaining_deps, initial_tasks)
				 VALUES ($1, $2, 'created', $3, $4)`,
				runID, step, depCounts[step], meta.InitialTasks); err != nil {
				return db.ClassifyError(err)
			}
			for i, dep := range def.Deps(step) {
				if _, err := tx.Exec(ctx,
					`INSERT INTO workflow_step_dependencies (run_id, step_slug, depends_on_step, dep_index) VALUES ($1, $2, $3, $4)`,
					runID, step, dep, i); err != nil {
					return db.ClassifyError(err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if err := r.q.Ensure(ctx, def.Slug); err != nil {
		r.compensateFailedRun(ctx, runID)
		return "", err
	}
	if _, err := r.sched.StartReadySteps(ctx, runID); err != nil {
		r.compensateFailedRun(ctx, runID)
		return "", err
	}
	return runID, nil
}

// compensateFailedRun deletes runID's Run row when queue.Ensure or
// start_ready_steps fails after the insert transaction above has already
// committed. ON DELETE CASCADE takes the StepState/StepDependency rows with
// it, so a caller never sees both an error from StartRun and a zombie run
// stuck at status='started' with no tasks ever materialized.
func (r *Initializer) compensateFailedRun(ctx context.Context, runID string) {
	if _, err := r.pool.Exec(ctx, `DELETE FROM workflow_runs WHERE run_id = $1`, runID); err != nil {
		slog.Error("compensate failed run init: delete run", "run_id", runID, "error", err)
	}
}

// upsertWorkflowDef writes the workflow/step/dependency-definition rows
// the first time a workflow slug is seen, and is a no-op on subsequent
// runs of the same definition (ON CONFLICT DO NOTHING; a definition is
// immutable once authored; editing a running DAG is not supported).
func upsertWorkflowDef(ctx context.Context, tx pgx.Tx, def *workflow.Definition) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO workflows (workflow_slug, max_attempts, timeout_seconds) VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_slug) DO NOTHING`,
		def.Slug, def.MaxAttempts, def.TimeoutSecs); err != nil {
		return db.ClassifyError(err)
	}

	for i, step := range def.Steps() {
		meta := def.Metadata(step)
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_steps
				(workflow_slug, step_slug, step_index, step_type, deps_count, initial_tasks, max_attempts, timeout_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (workflow_slug, step_slug) DO NOTHING`,
			def.Slug, step, i, string(meta.Type), len(def.Deps(step)), meta.InitialTasks, meta.MaxAttempts, meta.TimeoutSecs); err != nil {
			return db.ClassifyError(err)
		}
		for _, dep := range def.Deps(step) {
			if _, err := tx.Exec(ctx,
				`INSERT INTO workflow_step_dependencies_def (workflow_slug, dep_slug, step_slug) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				def.Slug, dep, step); err != nil {
				return db.ClassifyError(err)
			}
		}
	}
	return nil
}

// validateResolvable checks every step in def has a registered
// implementation before a run is created: a run with an unresolvable
// step would hang forever waiting for a worker that can never execute it.
func validateResolvable(def *workflow.Definition) error {
	for _, step := range def.Steps() {
		if _, err := def.Resolve(step); err != nil {
			return workflowerr.Validation("%v", err)
		}
	}
	return nil
}
