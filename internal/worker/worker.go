// Package worker implements the task executor: the loop that polls the
// embedded queue, claims tasks via the scheduler's start_tasks, runs the
// registered workflow.Step under a per-task timeout, and reports the
// outcome back through complete_task/fail_task. In-worker parallelism is
// bounded by golang.org/x/sync's errgroup and semaphore.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/workflows/internal/clock"
	"github.com/swarmguard/workflows/internal/logging"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/resilience"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/telemetry"
	"github.com/swarmguard/workflows/internal/workflow"
	"github.com/swarmguard/workflows/internal/workflowerr"
)

// Options configures a Loop: batch size, poll pacing, visibility timeout,
// and the hard per-task deadline.
type Options struct {
	WorkerID          string
	BatchSize         int
	PollInterval      time.Duration
	MaxPollWait       time.Duration
	VisibilityTimeout time.Duration
	TaskTimeout       time.Duration
	BatchFailureRatio float64 // fraction of a batch whose scheduler calls may fail before the batch itself is reported up; defaults to 0.5 ("more than half")
}

// Loop polls one workflow's queue and drives its steps to completion.
type Loop struct {
	q      queue.Adapter
	sched  *scheduler.Scheduler
	def    *workflow.Definition
	clock  clock.Clock
	opts   Options
	instr  telemetry.Instruments
	tracer trace.Tracer
}

func NewLoop(q queue.Adapter, sched *scheduler.Scheduler, def *workflow.Definition, c clock.Clock, instr telemetry.Instruments, opts Options) *Loop {
	if c == nil {
		c = clock.RealClock{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if opts.BatchFailureRatio <= 0 {
		opts.BatchFailureRatio = 0.5
	}
	return &Loop{
		q:      q,
		sched:  sched,
		def:    def,
		clock:  c,
		opts:   opts,
		instr:  instr,
		tracer: telemetry.Tracer("workflows-worker"),
	}
}

// RunOnce performs a single poll-claim-execute-report cycle and returns
// the number of tasks it processed. Run wraps this in a loop; tests call
// it directly for deterministic single-step assertions.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	msgs, err := l.q.ReadWithPoll(ctx, l.def.Slug, l.opts.BatchSize, l.opts.VisibilityTimeout, l.opts.MaxPollWait)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	claimed, err := l.sched.StartTasks(ctx, l.def.Slug, ids, l.opts.WorkerID, l.opts.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	l.instr.Parallelism.Record(ctx, int64(len(claimed)))

	sem := semaphore.NewWeighted(int64(l.opts.BatchSize))
	group, gctx := errgroup.WithContext(ctx)
	var schedFailures int64
	for _, task := range claimed {
		task := task
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			// executeOne errors only when a scheduler call itself failed;
			// user-logic faults are contained inside it via fail_task. A
			// single scheduler failure is logged and the loop moves on: the
			// message reappears after its visibility timeout and another
			// worker re-processes it.
			if execErr := l.executeOne(gctx, task); execErr != nil {
				atomic.AddInt64(&schedFailures, 1)
				slog.Error("task outcome report failed", append(logging.TaskFields(task.RunID, task.StepSlug, task.TaskIndex, l.opts.WorkerID), "error", execErr)...)
			}
			return nil
		})
	}
	_ = group.Wait()

	if ratio := float64(schedFailures) / float64(len(claimed)); ratio > l.opts.BatchFailureRatio {
		return len(claimed), workflowerr.BatchFailure(int(schedFailures), len(claimed))
	}
	return len(claimed), nil
}

// executeOne runs the step registered for task, bounded by TaskTimeout,
// converting a panic or a context deadline into the same
// TaskOutcome-style failure path a returned error takes, and reports the
// result through complete_task/fail_task. The returned error is nil when
// the outcome, success or user-logic failure, was durably recorded; it
// is non-nil only when the scheduler call itself failed, which is the
// execution-layer failure class the batch check counts.
func (l *Loop) executeOne(ctx context.Context, task scheduler.ClaimedTask) (retErr error) {
	start := l.clock.Now()
	ctx, span := l.tracer.Start(ctx, "task.execute")
	defer span.End()

	step, err := l.def.Resolve(task.StepSlug)
	if err != nil {
		return l.reportFailure(ctx, task, err.Error())
	}

	var input map[string]any
	if err := json.Unmarshal(task.Input, &input); err != nil {
		return l.reportFailure(ctx, task, fmt.Sprintf("unmarshal task input: %v", err))
	}

	output, runErr := l.runStep(ctx, step, input)

	l.instr.TaskDuration.Record(ctx, float64(l.clock.Now().Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.String("step", task.StepSlug)))

	if runErr != nil {
		l.instr.TaskFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", task.StepSlug)))
		return l.reportFailure(ctx, task, runErr.Error())
	}

	outJSON, err := json.Marshal(output)
	if err != nil {
		return l.reportFailure(ctx, task, fmt.Sprintf("marshal task output: %v", err))
	}
	if _, err := l.sched.CompleteTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, outJSON); err != nil {
		return err
	}
	return nil
}

// runStep bounds the step invocation with TaskTimeout and recovers a
// panicking Step.Run, converting both into a plain error, the worker
// loop's single error boundary.
func (l *Loop) runStep(ctx context.Context, step workflow.Step, input map[string]any) (output map[string]any, err error) {
	execCtx, cancel := context.WithTimeout(ctx, l.opts.TaskTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = workflowerr.UserLogic(fmt.Sprintf("exception: %v", r))
			}
		}()
		output, err = step.Run(execCtx, input)
	}()

	select {
	case <-done:
		return output, err
	case <-execCtx.Done():
		return nil, workflowerr.UserLogic("timeout")
	}
}

// reportFailure records a user-logic fault through fail_task. The fault
// itself never crosses the worker boundary: once fail_task has accepted
// it, reportFailure returns nil and only the scheduler call's own error
// propagates.
func (l *Loop) reportFailure(ctx context.Context, task scheduler.ClaimedTask, message string) error {
	retried, err := l.sched.FailTask(ctx, task.RunID, task.StepSlug, task.TaskIndex, message)
	if err != nil {
		return err
	}
	if retried {
		l.instr.TaskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", task.StepSlug)))
	}
	slog.Warn("task failed", append(logging.TaskFields(task.RunID, task.StepSlug, task.TaskIndex, l.opts.WorkerID), "error", message, "retried", retried)...)
	return nil
}

// Run polls continuously until ctx is cancelled or an iteration fails as
// described below.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// A single transient poll/claim failure (a dropped connection, a
		// serialization conflict) is retried a few times with backoff
		// before the loop gives up and returns; a non-transient error
		// (malformed queue body, validation) is never retried.
		_, err := resilience.Retry(ctx, l.clock, 5, l.opts.PollInterval, func() (int, error) {
			return l.RunOnce(ctx)
		})
		if err != nil {
			slog.Error("worker loop stopped", "error", err, "worker_id", l.opts.WorkerID)
			return err
		}
	}
}
