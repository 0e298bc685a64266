// Package queue implements the embedded message queue: PGMQ-style queue
// tables living in the same database as the workflow state machine, so a
// scheduler transaction can enqueue or delete a message alongside its
// state-machine writes. Polling uses SELECT ... FOR UPDATE SKIP LOCKED,
// deliberately different from the scheduler's FOR UPDATE task-claim
// locking: many workers may poll the same queue concurrently and none of
// them should block behind another's in-flight read.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/swarmguard/workflows/internal/db"
	"github.com/swarmguard/workflows/internal/workflowerr"
)

// Message is one queue entry: the monotone id the scheduler needs to
// correlate a delivered message with the task it names, plus its raw body.
type Message struct {
	ID   int64
	Body []byte
}

// Adapter is the embedded-queue contract the scheduler and worker loop
// depend on.
type Adapter interface {
	// Ensure registers queue_name if it does not already exist. Idempotent.
	Ensure(ctx context.Context, queueName string) error
	// Enqueue inserts body under queue_name and returns its monotone
	// message_id. Retries once after an implicit Ensure if the queue is
	// missing.
	Enqueue(ctx context.Context, queueName string, body []byte) (int64, error)
	// ReadWithPoll blocks, respecting a poll-interval rate limit, until at
	// least one message is visible or maxWait elapses. visibilityTimeout
	// controls how long a returned message is hidden from other readers.
	ReadWithPoll(ctx context.Context, queueName string, batchSize int, visibilityTimeout, maxWait time.Duration) ([]Message, error)
	// Delete removes a message by id, the queue-side half of task
	// completion.
	Delete(ctx context.Context, queueName string, messageID int64) error
	// Drop removes a queue and all its messages.
	Drop(ctx context.Context, queueName string) error
}

// PostgresAdapter implements Adapter against queue_registry/queue_messages.
type PostgresAdapter struct {
	pool    *pgxpool.Pool
	limiter *rate.Limiter
}

// NewPostgresAdapter builds an adapter whose ReadWithPoll paces repeated
// empty polls at pollInterval, so an idle worker doesn't hammer the
// database. Set pollInterval to 0 to poll as fast as maxWait allows.
func NewPostgresAdapter(pool *pgxpool.Pool, pollInterval time.Duration) *PostgresAdapter {
	var lim *rate.Limiter
	if pollInterval > 0 {
		lim = rate.NewLimiter(rate.Every(pollInterval), 1)
	}
	return &PostgresAdapter{pool: pool, limiter: lim}
}

func (a *PostgresAdapter) Ensure(ctx context.Context, queueName string) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO queue_registry (queue_name) VALUES ($1) ON CONFLICT DO NOTHING`, queueName)
	if err != nil {
		return db.ClassifyError(err)
	}
	return nil
}

func (a *PostgresAdapter) Enqueue(ctx context.Context, queueName string, body []byte) (int64, error) {
	id, err := a.enqueueOnce(ctx, queueName, body)
	if err == nil {
		return id, nil
	}
	if !isMissingQueue(err) {
		return 0, err
	}
	if ensureErr := a.Ensure(ctx, queueName); ensureErr != nil {
		return 0, ensureErr
	}
	return a.enqueueOnce(ctx, queueName, body)
}

func (a *PostgresAdapter) enqueueOnce(ctx context.Context, queueName string, body []byte) (int64, error) {
	var id int64
	err := a.pool.QueryRow(ctx,
		`INSERT INTO queue_messages (queue_name, body, vt_expires_at) VALUES ($1, $2, now()) RETURNING message_id`,
		queueName, body).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, workflowerr.MissingQueue(queueName)
		}
		return 0, db.ClassifyError(err)
	}
	return id, nil
}

func (a *PostgresAdapter) ReadWithPoll(ctx context.Context, queueName string, batchSize int, visibilityTimeout, maxWait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		msgs, err := a.readBatch(ctx, queueName, batchSize, visibilityTimeout)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, workflowerr.Transient(err, "rate-limited queue poll")
			}
		}
		select {
		case <-ctx.Done():
			return nil, workflowerr.Transient(ctx.Err(), "queue poll cancelled")
		default:
		}
	}
}

func (a *PostgresAdapter) readBatch(ctx context.Context, queueName string, batchSize int, visibilityTimeout time.Duration) ([]Message, error) {
	rows, err := a.pool.Query(ctx, `
		UPDATE queue_messages SET vt_expires_at = now() + make_interval(secs => $3), read_count = read_count + 1
		WHERE message_id IN (
			SELECT message_id FROM queue_messages
			WHERE queue_name = $1 AND vt_expires_at <= now()
			ORDER BY message_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, body`,
		queueName, batchSize, visibilityTimeout.Seconds())
	if err != nil {
		return nil, db.ClassifyError(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Body); err != nil {
			return nil, db.ClassifyError(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, db.ClassifyError(err)
	}
	return out, nil
}

func (a *PostgresAdapter) Delete(ctx context.Context, queueName string, messageID int64) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM queue_messages WHERE queue_name = $1 AND message_id = $2`, queueName, messageID)
	if err != nil {
		return db.ClassifyError(err)
	}
	return nil
}

func (a *PostgresAdapter) Drop(ctx context.Context, queueName string) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM queue_registry WHERE queue_name = $1`, queueName)
	if err != nil {
		return db.ClassifyError(err)
	}
	return nil
}

func isMissingQueue(err error) bool {
	var werr *workflowerr.Error
	return errors.As(err, &werr) && werr.Kind == workflowerr.KindMissingQueue
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
