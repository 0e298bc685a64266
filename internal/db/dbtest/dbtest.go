// Package dbtest provides the integration-test harness for the scheduler
// and queue packages: a real pgxpool connection gated behind an env var.
// Nothing here runs without WORKFLOWS_TEST_DSN set, so unit tests that
// only need the in-memory workflow.Definition never pay for a database.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/swarmguard/workflows/internal/db"
)

// EnvDSN is the environment variable naming a scratch Postgres database
// dedicated to integration tests. Tests that need it must call
// RequireDB, which skips cleanly when it is unset.
const EnvDSN = "WORKFLOWS_TEST_DSN"

// RequireDB opens a connection to EnvDSN, applies the schema, and
// registers cleanup that truncates every workflow table so tests don't
// bleed state into each other. It calls t.Skip if EnvDSN is unset, so
// `go test ./...` without a database configured still passes.
func RequireDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set, skipping integration test", EnvDSN)
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := conn.Init(ctx); err != nil {
		t.Fatalf("init test schema: %v", err)
	}

	t.Cleanup(func() {
		_, _ = conn.Pool.Exec(ctx, `TRUNCATE TABLE workflow_runs, workflows, queue_registry CASCADE`)
		conn.Close()
	})
	return conn
}
