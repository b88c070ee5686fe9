// Package queue implements the durable FIFO offline queue of SPEC_FULL.md
// §4.2. It is backed by SQLite via mattn/go-sqlite3, giving atomic,
// restart-surviving per-document FIFO without a separate migration step for
// benign schema growth.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxAttempts is queue.maxAttempts' default, per SPEC_FULL.md §6.
const DefaultMaxAttempts = 5

// Op is a pending or dead-lettered update awaiting persistence.
type Op struct {
	ID         int64
	DocumentID string
	Bytes      []byte
	EnqueuedAt time.Time
	Attempts   int
}

// Queue is a durable, per-document FIFO of pending update operations.
type Queue struct {
	db          *sql.DB
	maxAttempts int
}

// Open opens (creating if necessary) a SQLite-backed queue at path. Pass
// ":memory:" for ephemeral use in tests.
func Open(path string, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("queue: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	var q = &Queue{db: db, maxAttempts: maxAttempts}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS queued_ops (
	position    INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	bytes       BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS queued_ops_doc ON queued_ops (document_id, position);

CREATE TABLE IF NOT EXISTS dlq_ops (
	position    INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	bytes       BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	attempts    INTEGER NOT NULL
);
`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("queue: migrating schema: %w", err)
	}
	// Benign field additions land here as idempotent ALTER TABLEs, e.g.:
	// q.db.Exec(`ALTER TABLE queued_ops ADD COLUMN origin TEXT DEFAULT ''`)
	return nil
}

// Close releases the underlying database handle. It does not drain the
// queue; pending rows remain for the next Open of the same path.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue atomically appends bytes to docID's FIFO.
func (q *Queue) Enqueue(ctx context.Context, docID string, b []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queued_ops (document_id, bytes, enqueued_at, attempts) VALUES (?, ?, ?, 0)`,
		docID, b, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Peek returns the front of docID's FIFO without removing it, or nil if
// empty.
func (q *Queue) Peek(ctx context.Context, docID string) (*Op, error) {
	var op Op
	var ts int64
	row := q.db.QueryRowContext(ctx,
		`SELECT position, document_id, bytes, enqueued_at, attempts FROM queued_ops
		 WHERE document_id = ? ORDER BY position ASC LIMIT 1`, docID)
	if err := row.Scan(&op.ID, &op.DocumentID, &op.Bytes, &ts, &op.Attempts); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	op.EnqueuedAt = time.Unix(ts, 0).UTC()
	return &op, nil
}

// Pop removes the given op from docID's FIFO. Used after a successful
// drain.
func (q *Queue) Pop(ctx context.Context, op *Op) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queued_ops WHERE position = ?`, op.ID); err != nil {
		return fmt.Errorf("queue: pop: %w", err)
	}
	return nil
}

// Requeue keeps op at the front of its document's FIFO with Attempts
// incremented, or moves it to the dead-letter list once the incremented
// count reaches the configured maximum attempts. Returns true if it was
// dead-lettered instead of requeued.
func (q *Queue) Requeue(ctx context.Context, op *Op) (deadLettered bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("queue: requeue begin: %w", err)
	}
	defer tx.Rollback()

	var attempts = op.Attempts + 1
	if attempts >= q.maxAttempts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_ops WHERE position = ?`, op.ID); err != nil {
			return false, fmt.Errorf("queue: requeue delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dlq_ops (document_id, bytes, enqueued_at, attempts) VALUES (?, ?, ?, ?)`,
			op.DocumentID, op.Bytes, op.EnqueuedAt.Unix(), attempts); err != nil {
			return false, fmt.Errorf("queue: requeue to dlq: %w", err)
		}
		return true, tx.Commit()
	}

	// Bump attempts in place rather than delete+reinsert: reinserting would
	// assign a new, later autoincrement position and let anything enqueued
	// behind this op since the attempt started jump ahead of it, breaking
	// FIFO order.
	if _, err := tx.ExecContext(ctx,
		`UPDATE queued_ops SET attempts = ? WHERE position = ?`, attempts, op.ID); err != nil {
		return false, fmt.Errorf("queue: requeue update: %w", err)
	}
	return false, tx.Commit()
}

// MoveToDLQ force-moves op to the dead-letter list regardless of attempt
// count, used when the provider decides no further retry is worthwhile.
func (q *Queue) MoveToDLQ(ctx context.Context, op *Op) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: move to dlq begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_ops WHERE position = ?`, op.ID); err != nil {
		return fmt.Errorf("queue: move to dlq delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dlq_ops (document_id, bytes, enqueued_at, attempts) VALUES (?, ?, ?, ?)`,
		op.DocumentID, op.Bytes, op.EnqueuedAt.Unix(), op.Attempts); err != nil {
		return fmt.Errorf("queue: move to dlq insert: %w", err)
	}
	return tx.Commit()
}

// Size returns the number of pending operations for docID.
func (q *Queue) Size(ctx context.Context, docID string) (int, error) {
	return q.count(ctx, "queued_ops", docID)
}

// DLQSize returns the number of dead-lettered operations for docID.
func (q *Queue) DLQSize(ctx context.Context, docID string) (int, error) {
	return q.count(ctx, "dlq_ops", docID)
}

func (q *Queue) count(ctx context.Context, table, docID string) (int, error) {
	var n int
	row := q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE document_id = ?`, table), docID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count %s: %w", table, err)
	}
	return n, nil
}
