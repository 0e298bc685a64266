// Package executor is the engine's public facade: Execute starts a run
// and blocks for its outcome, Start/Await split that into a fire-and-wait
// pair for callers managing their own concurrency, and Status/Metrics
// expose read-only run and engine state.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmguard/workflows/internal/clock"
	"github.com/swarmguard/workflows/internal/events"
	"github.com/swarmguard/workflows/internal/idgen"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/runinit"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/telemetry"
	"github.com/swarmguard/workflows/internal/worker"
	"github.com/swarmguard/workflows/internal/workflow"
	"github.com/swarmguard/workflows/internal/workflowerr"
)

// RunStatus is the terminal or in-flight snapshot Status/Await return.
type RunStatus struct {
	RunID  string
	Status string // started, completed, failed
	Output map[string]any
	Error  string
	Steps  []StepStatus
}

// StepStatus is one row of the per-step detail Status returns.
type StepStatus struct {
	Slug        string
	State       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	Attempts    int
	Error       string
}

// RunMetrics is the snapshot Metrics returns. Every field reads zero
// rather than an error when the run is not found; the rate fields also
// read zero while no task has been attempted yet.
type RunMetrics struct {
	ExecutionTimeMS       float64
	SuccessRate           float64
	ErrorRate             float64
	ThroughputStepsPerSec float64
}

// Engine ties a workflow.Definition to the database-backed scheduler,
// queue, and run initializer, and is the type embedding applications
// construct once per workflow.
type Engine struct {
	pool   *pgxpool.Pool
	q      queue.Adapter
	sched  *scheduler.Scheduler
	init   *runinit.Initializer
	def    *workflow.Definition
	notify events.Notifier
	clock  clock.Clock
	instr  telemetry.Instruments
	loop   *worker.Loop
}

// Deps bundles the constructed infrastructure an Engine needs. Callers
// build these once at process startup (see cmd/workflows) and share them
// across every workflow.Definition the process serves. WorkerOptions
// configures the in-process worker.Loop Execute drives for the
// single-process case; callers that only use Start/Await (workers running
// as independent processes) may leave it zero.
type Deps struct {
	Pool          *pgxpool.Pool
	Queue         queue.Adapter
	Scheduler     *scheduler.Scheduler
	IDs           idgen.IDGen
	Notifier      events.Notifier
	Clock         clock.Clock
	Instruments   telemetry.Instruments
	WorkerOptions worker.Options
}

func New(def *workflow.Definition, deps Deps) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = events.NoopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.IDs == nil {
		deps.IDs = idgen.UUIDGen{}
	}
	if deps.Instruments == (telemetry.Instruments{}) {
		deps.Instruments = telemetry.DefaultInstruments()
	}
	opts := deps.WorkerOptions
	if opts.WorkerID == "" {
		opts.WorkerID = "engine-" + deps.IDs.NewID()
	}
	return &Engine{
		pool:   deps.Pool,
		q:      deps.Queue,
		sched:  deps.Scheduler,
		init:   runinit.New(deps.Pool, deps.Queue, deps.Scheduler, deps.IDs),
		def:    def,
		notify: deps.Notifier,
		clock:  deps.Clock,
		instr:  deps.Instruments,
		loop:   worker.NewLoop(deps.Queue, deps.Scheduler, def, deps.Clock, deps.Instruments, opts),
	}
}

// Start creates a new run and returns its id immediately; it does not
// wait for completion. Use Await to block for the outcome; some other
// process must be running a worker.Loop against the same workflow slug for
// the run to ever progress.
func (e *Engine) Start(ctx context.Context, input map[string]any) (string, error) {
	runID, err := e.init.StartRun(ctx, e.def, input)
	if err != nil {
		return "", err
	}
	e.notify.Publish(ctx, events.Event{Type: events.RunStarted, RunID: runID, WorkflowSlug: e.def.Slug})
	return runID, nil
}

// Execute starts a run and drives it to completion in-process: the
// synchronous, single-process case. Execute runs its own worker.Loop
// alongside Await's polling rather than assuming some other process is
// servicing the queue. The loop is stopped as soon as the run reaches a
// terminal state or ctx is cancelled.
func (e *Engine) Execute(ctx context.Context, input map[string]any) (RunStatus, error) {
	runID, err := e.Start(ctx, input)
	if err != nil {
		return RunStatus{}, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = e.loop.Run(loopCtx) }()

	return e.Await(ctx, runID, 0)
}

// Await polls Status for runID every pollEvery until it is terminal or ctx
// is cancelled (pollEvery <= 0 defaults to 200ms).
func (e *Engine) Await(ctx context.Context, runID string, pollEvery time.Duration) (RunStatus, error) {
	if pollEvery <= 0 {
		pollEvery = 200 * time.Millisecond
	}
	for {
		status, err := e.Status(ctx, runID)
		if err != nil {
			return RunStatus{}, err
		}
		if status.Status == "completed" || status.Status == "failed" {
			if status.Status == "failed" {
				e.notify.Publish(ctx, events.Event{Type: events.RunFailed, RunID: runID, WorkflowSlug: e.def.Slug, Detail: status.Error})
				return status, workflowerr.RunFailed(status.Error)
			}
			e.notify.Publish(ctx, events.Event{Type: events.RunCompleted, RunID: runID, WorkflowSlug: e.def.Slug})
			return status, nil
		}
		select {
		case <-ctx.Done():
			// The caller's patience ran out, not the run: it stays live
			// for other workers to finish.
			return status, workflowerr.Timeout()
		case <-e.clock.After(pollEvery):
		}
	}
}

// Status reads the current snapshot of a run without blocking.
func (e *Engine) Status(ctx context.Context, runID string) (RunStatus, error) {
	var (
		status       string
		outputJSON   []byte
		errorMessage *string
	)
	err := e.pool.QueryRow(ctx,
		`SELECT status, output, error_message FROM workflow_runs WHERE run_id = $1`, runID,
	).Scan(&status, &outputJSON, &errorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunStatus{}, workflowerr.NotFound(runID)
	}
	if err != nil {
		return RunStatus{}, workflowerr.Transient(err, "read run")
	}

	result := RunStatus{RunID: runID, Status: status}
	if errorMessage != nil {
		result.Error = *errorMessage
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &result.Output); err != nil {
			return RunStatus{}, workflowerr.Validation("unmarshal run output: %v", err)
		}
	}

	steps, err := e.stepStatuses(ctx, runID)
	if err != nil {
		return RunStatus{}, err
	}
	result.Steps = steps
	return result, nil
}

// stepStatuses reads every StepState row for runID, ordered by the
// workflow's declared step_index so a caller sees the same order the
// workflow was authored in.
func (e *Engine) stepStatuses(ctx context.Context, runID string) ([]StepStatus, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT ss.step_slug, ss.status, ss.started_at, ss.completed_at, ss.failed_at,
		       ss.attempts_count, ss.error_message
		FROM workflow_step_states ss
		JOIN workflow_steps ws ON ws.workflow_slug = $2 AND ws.step_slug = ss.step_slug
		WHERE ss.run_id = $1
		ORDER BY ws.step_index`, runID, e.def.Slug)
	if err != nil {
		return nil, workflowerr.Transient(err, "read step states")
	}
	defer rows.Close()

	var steps []StepStatus
	for rows.Next() {
		var s StepStatus
		var errMsg *string
		if err := rows.Scan(&s.Slug, &s.State, &s.StartedAt, &s.CompletedAt, &s.FailedAt, &s.Attempts, &errMsg); err != nil {
			return nil, workflowerr.Transient(err, "scan step state")
		}
		if errMsg != nil {
			s.Error = *errMsg
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, workflowerr.Transient(err, "read step states")
	}
	return steps, nil
}

// Metrics computes the per-run snapshot: wall-clock execution time, the
// fraction of attempted tasks that completed versus failed, and
// steps-completed-per-second. An unknown run reads as all zeros rather
// than an error; a run with no task attempts yet has zero success and
// error rates.
func (e *Engine) Metrics(ctx context.Context, runID string) (RunMetrics, error) {
	var (
		startedAt      time.Time
		completedAt    *time.Time
		failedAt       *time.Time
		completedSteps int
		totalSteps     int
	)
	err := e.pool.QueryRow(ctx, `
		SELECT r.started_at, r.completed_at, r.failed_at,
		       (SELECT count(*) FROM workflow_step_states WHERE run_id = r.run_id AND status = 'completed'),
		       (SELECT count(*) FROM workflow_step_states WHERE run_id = r.run_id)
		FROM workflow_runs r WHERE r.run_id = $1`, runID,
	).Scan(&startedAt, &completedAt, &failedAt, &completedSteps, &totalSteps)
	if err != nil {
		return RunMetrics{}, nil
	}

	end := e.clock.Now()
	if completedAt != nil {
		end = *completedAt
	} else if failedAt != nil {
		end = *failedAt
	}
	elapsed := end.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	var completedTasks, failedTasks, totalAttempted int
	_ = e.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE attempts_count > 0)
		FROM workflow_step_tasks WHERE run_id = $1`, runID,
	).Scan(&completedTasks, &failedTasks, &totalAttempted)

	m := RunMetrics{ExecutionTimeMS: float64(elapsed.Milliseconds())}
	if totalAttempted > 0 {
		m.SuccessRate = float64(completedTasks) / float64(totalAttempted)
		m.ErrorRate = float64(failedTasks) / float64(totalAttempted)
	}
	if elapsed > 0 {
		m.ThroughputStepsPerSec = float64(completedSteps) / elapsed.Seconds()
	}
	return m, nil
}

// Instruments returns the OpenTelemetry instrument set the worker loop
// records into, for callers that want to export or inspect engine
// activity directly rather than through a collector.
func (e *Engine) Instruments() telemetry.Instruments { return e.instr }

// Definition exposes the workflow graph Start/Execute run against, for
// callers building a worker.Loop from the same Engine.
func (e *Engine) Definition() *workflow.Definition { return e.def }
