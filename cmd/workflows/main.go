// Command workflows is the reference CLI for the DAG workflow execution
// engine: apply the schema, start a run of the bundled demo workflow, run
// its worker loop, or inspect a run's status. Real embedders are expected
// to build their own binary around internal/executor and internal/worker
// with their own workflow.Definition; this command exists to exercise
// the engine end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swarmguard/workflows/internal/config"
	"github.com/swarmguard/workflows/internal/db"
	"github.com/swarmguard/workflows/internal/events"
	"github.com/swarmguard/workflows/internal/executor"
	"github.com/swarmguard/workflows/internal/idgen"
	"github.com/swarmguard/workflows/internal/logging"
	"github.com/swarmguard/workflows/internal/queue"
	"github.com/swarmguard/workflows/internal/scheduler"
	"github.com/swarmguard/workflows/internal/telemetry"
	"github.com/swarmguard/workflows/internal/worker"

	nats "github.com/nats-io/nats.go"
)

var rootCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Durable DAG workflow execution engine",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		if viper.GetBool("json-log") {
			_ = os.Setenv("WORKFLOWS_JSON_LOG", "1")
		}
		logging.Init("workflows")
		return nil
	},
}

func loadConfig() config.Config {
	cfg := config.Config{
		DatabaseDSN:        viper.GetString("dsn"),
		NATSURL:            viper.GetString("nats-url"),
		WorkerID:           viper.GetString("worker-id"),
		BatchSize:          viper.GetInt("batch-size"),
		PollIntervalMS:     viper.GetInt("poll-interval-ms"),
		MaxPollWaitMS:      viper.GetInt("max-poll-wait-ms"),
		VisibilityTimeoutS: viper.GetInt("visibility-timeout-s"),
		TaskTimeoutMS:      viper.GetInt("task-timeout-ms"),
		JSONLog:            viper.GetBool("json-log"),
	}
	return cfg
}

func buildEngine(ctx context.Context, cfg config.Config) (*executor.Engine, *worker.Loop, func(), error) {
	database, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, nil, nil, err
	}

	q := queue.NewPostgresAdapter(database.Pool, cfg.PollInterval())
	sched := scheduler.New(database.Pool)

	var notifier events.Notifier = events.NoopNotifier{}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			database.Close()
			return nil, nil, nil, err
		}
		notifier = events.NewNATSNotifier(conn)
	}

	traceShutdown := telemetry.InitTracer(ctx, "workflows")
	metricShutdown, instr := telemetry.InitMetrics(ctx, "workflows")
	def, err := demoDefinition()
	if err != nil {
		database.Close()
		return nil, nil, nil, err
	}

	workerOpts := worker.Options{
		WorkerID:          cfg.WorkerID,
		BatchSize:         cfg.BatchSize,
		PollInterval:      cfg.PollInterval(),
		MaxPollWait:       cfg.MaxPollWait(),
		VisibilityTimeout: cfg.VisibilityTimeout(),
		TaskTimeout:       cfg.TaskTimeout(),
		BatchFailureRatio: cfg.BatchFailureRatio,
	}

	eng := executor.New(def, executor.Deps{
		Pool:          database.Pool,
		Queue:         q,
		Scheduler:     sched,
		IDs:           idgen.UUIDGen{},
		Notifier:      notifier,
		Instruments:   instr,
		WorkerOptions: workerOpts,
	})

	loop := worker.NewLoop(q, sched, def, nil, instr, workerOpts)

	cleanup := func() {
		telemetry.Flush(context.Background(), metricShutdown)
		telemetry.Flush(context.Background(), traceShutdown)
		database.Close()
	}
	return eng, loop, cleanup, nil
}

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Apply the workflow schema and stored procedures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		database, err := db.Open(cmd.Context(), cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.Init(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("schema applied")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bundled demo workflow and block for its result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		eng, _, closeFn, err := buildEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		status, err := eng.Execute(cmd.Context(), map[string]any{})
		if err != nil {
			return err
		}
		printResult(status.Output)
		return nil
	},
}

var serveWorkerCmd = &cobra.Command{
	Use:   "serve-worker",
	Short: "Run the worker loop for the bundled demo workflow until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, loop, closeFn, err := buildEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithCancel(cmd.Context())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			cancel()
		}()

		fmt.Printf("worker %s serving demo_fetch_process\n", cfg.WorkerID)
		err = loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Print a run's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		eng, _, closeFn, err := buildEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		status, err := eng.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("run %s: %s\n", status.RunID, status.Status)
		if status.Error != "" {
			fmt.Printf("error: %s\n", status.Error)
		}
		for _, s := range status.Steps {
			fmt.Printf("  %-20s %-10s attempts=%d\n", s.Slug, s.State, s.Attempts)
		}
		if status.Output != nil {
			printResult(status.Output)
		}

		metrics, err := eng.Metrics(cmd.Context(), args[0])
		if err == nil {
			fmt.Printf("execution_time_ms=%.0f success_rate=%.2f error_rate=%.2f throughput_steps_per_sec=%.2f\n",
				metrics.ExecutionTimeMS, metrics.SuccessRate, metrics.ErrorRate, metrics.ThroughputStepsPerSec)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("dsn", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS server URL for run-lifecycle notifications (optional)")
	rootCmd.PersistentFlags().String("worker-id", "", "identity reported to the scheduler when claiming tasks")
	rootCmd.PersistentFlags().Int("batch-size", 10, "tasks claimed per poll")
	rootCmd.PersistentFlags().Int("poll-interval-ms", 200, "pause between empty polls")
	rootCmd.PersistentFlags().Int("max-poll-wait-ms", 5000, "long-poll wait before returning an empty batch")
	rootCmd.PersistentFlags().Int("visibility-timeout-s", 30, "seconds a claimed message stays hidden from other readers")
	rootCmd.PersistentFlags().Int("task-timeout-ms", 30000, "per-task execution timeout")
	rootCmd.PersistentFlags().Bool("json-log", false, "emit structured JSON logs")

	for _, name := range []string{"dsn", "nats-url", "worker-id", "batch-size", "poll-interval-ms", "max-poll-wait-ms", "visibility-timeout-s", "task-timeout-ms", "json-log"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("workflows")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(initSchemaCmd, runCmd, serveWorkerCmd, statusCmd)
}

func main() {
	logging.Init("workflows")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
