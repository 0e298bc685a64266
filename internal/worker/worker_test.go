package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workflows/internal/db"
	"github.com/swarmguard/workflows/internal/db/dbtest"
	"github.com/swarmguard/workflows/internal/idgen"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/runinit"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/telemetry"
	"github.com/swarmguard/workflows/internal/worker"
	"github.com/swarmguard/workflows/internal/workflow"
)

func telemetryNoop() telemetry.Instruments {
	return telemetry.NewInstruments(noopmetric.MeterProvider{}.Meter("test"))
}

// newLoopHarness wires a Loop plus its run's id for a single-run workflow,
// leaving the test in control of when polling happens via RunOnce.
func newLoopHarness(t *testing.T, specs []workflow.StepSpec, slug string, maxAttempts int, opts worker.Options) (*db.DB, *worker.Loop, string) {
	t.Helper()
	conn := dbtest.RequireDB(t)
	ctx := context.Background()

	q := queue.NewPostgresAdapter(conn.Pool, 10*time.Millisecond)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build(slug, maxAttempts, 0, specs)
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	runID, err := init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	loop := worker.NewLoop(q, sched, def, nil, telemetryNoop(), opts)
	return conn, loop, runID
}

// driveToTerminal calls RunOnce until the run leaves 'started' or the
// deadline passes, returning the terminal status and error message.
func driveToTerminal(t *testing.T, conn *db.DB, loop *worker.Loop, runID string) (string, string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		_, err := loop.RunOnce(ctx)
		require.NoError(t, err)

		var status string
		var errMsg *string
		require.NoError(t, conn.Pool.QueryRow(ctx,
			`SELECT status, error_message FROM workflow_runs WHERE run_id=$1`, runID).Scan(&status, &errMsg))
		if status != "started" {
			if errMsg != nil {
				return status, *errMsg
			}
			return status, ""
		}
	}
	t.Fatal("run never reached a terminal state")
	return "", ""
}

// TestPanicIsContainedAsException verifies a panicking step never crosses
// the worker boundary: the fault is converted into a fail_task call with
// an "exception:" message and, with a single allowed attempt, terminates
// the run.
func TestPanicIsContainedAsException(t *testing.T) {
	specs := []workflow.StepSpec{
		{Slug: "boomer", Meta: workflow.Metadata{MaxAttempts: 1}, Impl: workflow.StepFunc{
			SlugName: "boomer",
			Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
				panic("kaboom")
			},
		}},
	}
	conn, loop, runID := newLoopHarness(t, specs, "panic_contained", 1, worker.Options{
		WorkerID:          "w-panic",
		BatchSize:         4,
		MaxPollWait:       500 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 5 * time.Second,
		TaskTimeout:       2 * time.Second,
	})

	status, errMsg := driveToTerminal(t, conn, loop, runID)
	require.Equal(t, "failed", status)
	require.Contains(t, errMsg, "exception: kaboom")
}

// TestTaskTimeoutFailsRun verifies the hard per-task deadline: a step that
// never returns is abandoned at TaskTimeout and failed with the literal
// "timeout" text.
func TestTaskTimeoutFailsRun(t *testing.T) {
	specs := []workflow.StepSpec{
		{Slug: "sleeper", Meta: workflow.Metadata{MaxAttempts: 1}, Impl: workflow.StepFunc{
			SlugName: "sleeper",
			Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
				time.Sleep(10 * time.Second)
				return map[string]any{}, nil
			},
		}},
	}
	conn, loop, runID := newLoopHarness(t, specs, "task_timeout", 1, worker.Options{
		WorkerID:          "w-timeout",
		BatchSize:         4,
		MaxPollWait:       500 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		TaskTimeout:       200 * time.Millisecond,
	})

	status, errMsg := driveToTerminal(t, conn, loop, runID)
	require.Equal(t, "failed", status)
	require.Contains(t, errMsg, "timeout")
}

// TestDomainErrorRequeuesUntilExhausted walks the retry path end to end
// through RunOnce: two allowed attempts, a step that always errors, and a
// task that must show attempts_count equal to max_attempts once failed.
func TestDomainErrorRequeuesUntilExhausted(t *testing.T) {
	specs := []workflow.StepSpec{
		{Slug: "hopeless", Meta: workflow.Metadata{MaxAttempts: 2}, Impl: workflow.StepFunc{
			SlugName: "hopeless",
			Fn: func(_ context.Context, _ map[string]any) (map[string]any, error) {
				return nil, errAlways("no dice")
			},
		}},
	}
	conn, loop, runID := newLoopHarness(t, specs, "retry_exhaustion", 2, worker.Options{
		WorkerID:          "w-retry",
		BatchSize:         4,
		MaxPollWait:       500 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		TaskTimeout:       2 * time.Second,
	})

	status, errMsg := driveToTerminal(t, conn, loop, runID)
	require.Equal(t, "failed", status)
	require.Contains(t, errMsg, "no dice")

	var attempts, maxAttempts int
	require.NoError(t, conn.Pool.QueryRow(context.Background(),
		`SELECT attempts_count, max_attempts FROM workflow_step_tasks WHERE run_id=$1 AND step_slug='hopeless'`, runID,
	).Scan(&attempts, &maxAttempts))
	require.Equal(t, maxAttempts, attempts, "a failed task must have consumed exactly max_attempts")
}

type errAlways string

func (e errAlways) Error() string { return string(e) }
