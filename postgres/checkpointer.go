// Package postgres provides a crew.Checkpointer backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/crew"
	"github.com/deepnoodle-ai/crew/retry"
	"github.com/lib/pq"
)

// DefaultTable is the table used when Options.Table is empty
const DefaultTable = "crew_checkpoints"

// uniqueViolation is the PostgreSQL error code for a duplicate key
const uniqueViolation = "23505"

// Options configures a Checkpointer
type Options struct {
	Table string
}

// Checkpointer stores checkpoints in a single table keyed by
// (thread_id, sequence). The primary key makes a duplicate append fail,
// which is reported as crew.ErrConcurrentAccess.
type Checkpointer struct {
	db    *sql.DB
	table string
}

var (
	_ crew.Checkpointer = (*Checkpointer)(nil)
	_ crew.ThreadLister = (*Checkpointer)(nil)
)

// Open connects to the database, waiting for it to accept connections,
// and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts Options) (*Checkpointer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = retry.Do(ctx, func() error {
		return pingError(db.PingContext(ctx))
	}, retry.WithMaxRetries(5), retry.WithBaseWait(200*time.Millisecond))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c := New(db, opts)
	if err := c.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// pingError decides whether a failed ping is worth repeating while the
// server comes up. Bad credentials or a missing database will not fix
// themselves.
func pingError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28", "3D":
			return retry.Permanent(err)
		}
	}
	return retry.Transient(err)
}

// New wraps an existing connection pool
func New(db *sql.DB, opts Options) *Checkpointer {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	return &Checkpointer{db: db, table: pq.QuoteIdentifier(table)}
}

// DB returns the underlying connection pool
func (c *Checkpointer) DB() *sql.DB {
	return c.db
}

// Close closes the underlying connection pool
func (c *Checkpointer) Close() error {
	return c.db.Close()
}

// EnsureSchema creates the checkpoint table if it does not exist
func (c *Checkpointer) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	thread_id  TEXT        NOT NULL,
	sequence   INTEGER     NOT NULL,
	id         TEXT        NOT NULL,
	graph      TEXT        NOT NULL DEFAULT '',
	step       TEXT        NOT NULL DEFAULT '',
	writes     JSONB       NOT NULL,
	state      JSONB       NOT NULL,
	next       TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, sequence)
)`, c.table)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// AppendCheckpoint inserts the checkpoint only if it directly follows the
// thread's latest sequence.
func (c *Checkpointer) AppendCheckpoint(ctx context.Context, checkpoint *crew.Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	writes, err := json.Marshal(checkpoint.Writes)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint writes: %w", err)
	}
	state, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (thread_id, sequence, id, graph, step, writes, state, next, created_at)
SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
WHERE (SELECT COALESCE(MAX(sequence), -1) FROM %[1]s WHERE thread_id = $1) = $2 - 1`, c.table)

	result, err := c.db.ExecContext(ctx, query,
		checkpoint.ThreadID,
		checkpoint.Sequence,
		checkpoint.ID,
		checkpoint.Graph,
		string(checkpoint.Step),
		writes,
		state,
		string(checkpoint.Next),
		checkpoint.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: thread %s sequence %d already written",
				crew.ErrConcurrentAccess, checkpoint.ThreadID, checkpoint.Sequence)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: thread %s sequence %d does not follow the latest checkpoint",
			crew.ErrConcurrentAccess, checkpoint.ThreadID, checkpoint.Sequence)
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for a thread, or nil
func (c *Checkpointer) LoadCheckpoint(ctx context.Context, threadID string) (*crew.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT thread_id, sequence, id, graph, step, writes, state, next, created_at
FROM %s WHERE thread_id = $1 ORDER BY sequence DESC LIMIT 1`, c.table)

	checkpoint, err := scanCheckpoint(c.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return checkpoint, nil
}

// ListCheckpoints returns every checkpoint of a thread, oldest first
func (c *Checkpointer) ListCheckpoints(ctx context.Context, threadID string) ([]*crew.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT thread_id, sequence, id, graph, step, writes, state, next, created_at
FROM %s WHERE thread_id = $1 ORDER BY sequence`, c.table)

	rows, err := c.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := []*crew.Checkpoint{}
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}

// DeleteCheckpoints removes all checkpoints of a thread
func (c *Checkpointer) DeleteCheckpoints(ctx context.Context, threadID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, c.table)
	if _, err := c.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// ListThreads summarizes every thread, most recently started first
func (c *Checkpointer) ListThreads(ctx context.Context) ([]*crew.ThreadSummary, error) {
	query := fmt.Sprintf(`SELECT l.thread_id, l.graph, COALESCE(l.state->>'task', ''), l.next, a.n, a.started, l.created_at
FROM (
	SELECT DISTINCT ON (thread_id) thread_id, graph, state, next, created_at
	FROM %[1]s ORDER BY thread_id, sequence DESC
) l
JOIN (
	SELECT thread_id, COUNT(*) AS n, MIN(created_at) AS started
	FROM %[1]s GROUP BY thread_id
) a USING (thread_id)
ORDER BY a.started DESC`, c.table)

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var summaries []*crew.ThreadSummary
	for rows.Next() {
		var s crew.ThreadSummary
		var next string
		if err := rows.Scan(&s.ThreadID, &s.Graph, &s.Task, &next, &s.Checkpoints, &s.StartTime, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread summary: %w", err)
		}
		s.Next = crew.StepName(next)
		s.Duration = s.UpdatedAt.Sub(s.StartTime)
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return summaries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*crew.Checkpoint, error) {
	var (
		cp            crew.Checkpoint
		step, next    string
		writes, state []byte
	)
	if err := row.Scan(&cp.ThreadID, &cp.Sequence, &cp.ID, &cp.Graph, &step, &writes, &state, &next, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.Step = crew.StepName(step)
	cp.Next = crew.StepName(next)
	if err := json.Unmarshal(writes, &cp.Writes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint writes: %w", err)
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &cp, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
