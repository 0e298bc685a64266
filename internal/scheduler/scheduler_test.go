package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/workflows/internal/db/dbtest"
	"github.com/swarmguard/workflows/internal/idgen"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/runinit"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/workflow"
)

func noop(_ context.Context, in map[string]any) (map[string]any, error) { return in, nil }

func TestCompleteTaskIsIdempotent(t *testing.T) {
	conn := dbtest.RequireDB(t)
	ctx := context.Background()
	q := queue.NewPostgresAdapter(conn.Pool, 0)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build("idempotent_complete", 0, 0, []workflow.StepSpec{
		{Slug: "only", Impl: workflow.StepFunc{SlugName: "only", Fn: noop}},
	})
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	runID, err := init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	msgs, err := q.ReadWithPoll(ctx, "idempotent_complete", 1, 30*time.Second, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	claimed, err := sched.StartTasks(ctx, "idempotent_complete", []int64{msgs[0].ID}, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	completed, err := sched.CompleteTask(ctx, runID, "only", 0, []byte(`{"done":true}`))
	require.NoError(t, err)
	require.True(t, completed)

	var remainingSteps int
	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT remaining_steps FROM workflow_runs WHERE run_id=$1`, runID).Scan(&remainingSteps))
	require.Equal(t, 0, remainingSteps)

	// A second CompleteTask call for the same task must be a no-op: the
	// task is no longer 'started', so the stored procedure reports
	// completed=false and leaves every counter untouched.
	completedAgain, err := sched.CompleteTask(ctx, runID, "only", 0, []byte(`{"done":true}`))
	require.NoError(t, err)
	require.False(t, completedAgain)

	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT remaining_steps FROM workflow_runs WHERE run_id=$1`, runID).Scan(&remainingSteps))
	require.Equal(t, 0, remainingSteps, "a repeat complete_task must not decrement remaining_steps again")

	var status string
	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE run_id=$1`, runID).Scan(&status))
	require.Equal(t, "completed", status)
}

func TestStartTasksConcurrentClaimIsDisjoint(t *testing.T) {
	conn := dbtest.RequireDB(t)
	ctx := context.Background()
	q := queue.NewPostgresAdapter(conn.Pool, 0)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build("concurrent_claim", 0, 0, []workflow.StepSpec{
		{Slug: "only", Impl: workflow.StepFunc{SlugName: "only", Fn: noop}},
	})
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	_, err = init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	msgs, err := q.ReadWithPoll(ctx, "concurrent_claim", 1, 30*time.Second, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msgID := msgs[0].ID

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var totalClaimed int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			claimed, err := sched.StartTasks(ctx, "concurrent_claim", []int64{msgID}, workerName(workerID), 30*time.Second)
			require.NoError(t, err)
			mu.Lock()
			totalClaimed += len(claimed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, totalClaimed, "exactly one worker must win the claim")
}

func workerName(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestMapStepWithZeroInitialTasksCompletesImmediately(t *testing.T) {
	conn := dbtest.RequireDB(t)
	ctx := context.Background()
	q := queue.NewPostgresAdapter(conn.Pool, 0)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build("zero_task_map", 0, 0, []workflow.StepSpec{
		{Slug: "source", Impl: workflow.StepFunc{SlugName: "source", Fn: noop}},
		{Slug: "fanout", DependsOn: []string{"source"}, Meta: workflow.Metadata{Type: workflow.StepMap, InitialTasks: 0},
			Impl: workflow.StepFunc{SlugName: "fanout", Fn: noop}},
	})
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	runID, err := init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	// Drain the single 'source' task so 'fanout' becomes ready.
	msgs, err := q.ReadWithPoll(ctx, "zero_task_map", 1, 30*time.Second, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	claimed, err := sched.StartTasks(ctx, "zero_task_map", []int64{msgs[0].ID}, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = sched.CompleteTask(ctx, runID, "source", 0, []byte(`{}`))
	require.NoError(t, err)

	var status string
	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT status FROM workflow_step_states WHERE run_id=$1 AND step_slug='fanout'`, runID).Scan(&status))
	require.Equal(t, "completed", status, "a map step with initial_tasks=0 must complete without any task ever being queued")

	var runStatus string
	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE run_id=$1`, runID).Scan(&runStatus))
	require.Equal(t, "completed", runStatus)
}

// TestCrashedClaimIsReclaimedAfterVTExpiry simulates a worker dying between
// start_tasks and complete_task: its message reappears once the visibility
// timeout lapses and a second worker takes the task over, with
// attempts_count incremented. While the first claim is still fresh, the
// same message must NOT be reclaimable.
func TestCrashedClaimIsReclaimedAfterVTExpiry(t *testing.T) {
	conn := dbtest.RequireDB(t)
	ctx := context.Background()
	q := queue.NewPostgresAdapter(conn.Pool, 0)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build("crash_reclaim", 3, 0, []workflow.StepSpec{
		{Slug: "only", Impl: workflow.StepFunc{SlugName: "only", Fn: noop}},
	})
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	runID, err := init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	const vt = time.Second
	msgs, err := q.ReadWithPoll(ctx, "crash_reclaim", 1, vt, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	claimed, err := sched.StartTasks(ctx, "crash_reclaim", []int64{msgs[0].ID}, "doomed-worker", vt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The claim is fresh, so a second worker handed the same message id
	// must walk away empty.
	stolen, err := sched.StartTasks(ctx, "crash_reclaim", []int64{msgs[0].ID}, "eager-worker", vt)
	require.NoError(t, err)
	require.Empty(t, stolen)

	// doomed-worker never reports. After the VT lapses the queue
	// redelivers and the reclaim succeeds.
	time.Sleep(vt + 200*time.Millisecond)
	redelivered, err := q.ReadWithPoll(ctx, "crash_reclaim", 1, 30*time.Second, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	require.Equal(t, msgs[0].ID, redelivered[0].ID)

	reclaimed, err := sched.StartTasks(ctx, "crash_reclaim", []int64{redelivered[0].ID}, "recovery-worker", vt)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	var attempts int
	var claimedBy string
	require.NoError(t, conn.Pool.QueryRow(ctx,
		`SELECT attempts_count, claimed_by FROM workflow_step_tasks WHERE run_id=$1 AND step_slug='only'`, runID,
	).Scan(&attempts, &claimedBy))
	require.Equal(t, 2, attempts)
	require.Equal(t, "recovery-worker", claimedBy)

	_, err = sched.CompleteTask(ctx, runID, "only", 0, []byte(`{}`))
	require.NoError(t, err)

	var runStatus string
	require.NoError(t, conn.Pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE run_id=$1`, runID).Scan(&runStatus))
	require.Equal(t, "completed", runStatus)
}

// TestFailedRunIsNotResurrectedByLateSibling covers the terminal-state
// tie-break: a run that has already failed keeps status='failed' even when
// a still-in-flight task of another step completes afterwards.
func TestFailedRunIsNotResurrectedByLateSibling(t *testing.T) {
	conn := dbtest.RequireDB(t)
	ctx := context.Background()
	q := queue.NewPostgresAdapter(conn.Pool, 0)
	sched := scheduler.New(conn.Pool)

	def, err := workflow.Build("late_sibling", 1, 0, []workflow.StepSpec{
		{Slug: "slow", Impl: workflow.StepFunc{SlugName: "slow", Fn: noop}},
		{Slug: "doomed", Impl: workflow.StepFunc{SlugName: "doomed", Fn: noop}},
	})
	require.NoError(t, err)
	init := runinit.New(conn.Pool, q, sched, idgen.UUIDGen{})
	runID, err := init.StartRun(ctx, def, map[string]any{})
	require.NoError(t, err)

	msgs, err := q.ReadWithPoll(ctx, "late_sibling", 2, 30*time.Second, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	ids := []int64{msgs[0].ID, msgs[1].ID}
	claimed, err := sched.StartTasks(ctx, "late_sibling", ids, "w1", 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// doomed exhausts its single attempt and fails the run while slow is
	// still running.
	retried, err := sched.FailTask(ctx, runID, "doomed", 0, "boom")
	require.NoError(t, err)
	require.False(t, retried)

	// slow now completes. Its step may complete, but the run must stay
	// failed.
	completed, err := sched.CompleteTask(ctx, runID, "slow", 0, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, completed)

	var status, errMsg string
	require.NoError(t, conn.Pool.QueryRow(ctx,
		`SELECT status, error_message FROM workflow_runs WHERE run_id=$1`, runID).Scan(&status, &errMsg))
	require.Equal(t, "failed", status)
	require.Contains(t, errMsg, "boom")
}
