package chatrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	postgresRetryQueueTable        = "chat_retry_queue"
	postgresRetryQueuePollInterval = 50 * time.Millisecond
)

// PostgresRetryQueue shares pending retries between relay instances. A row is
// deleted by the worker that takes it, so each task is handed out once.
type PostgresRetryQueue struct {
	dsn          string
	tableName    string
	capacity     int
	pollInterval time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRetryQueue(dsn string, capacity int) (RetryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresRetryQueue{
		dsn:          dsn,
		tableName:    postgresRetryQueueTable,
		capacity:     capacity,
		pollInterval: postgresRetryQueuePollInterval,
	}, nil
}

func (q *PostgresRetryQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := sql.Open("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				message_id BIGINT NOT NULL,
				attempt INTEGER NOT NULL,
				enqueued_at BIGINT NOT NULL
			)`, quoteIdentifier(q.tableName)))
		if err != nil {
			_ = db.Close()
			q.initErr = fmt.Errorf("create retry queue table: %w", err)
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresRetryQueue) Enqueue(ctx context.Context, task RetryTask) error {
	if !task.valid() {
		return ErrInvalidInput
	}
	for {
		err := q.insert(ctx, task)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(q.pollInterval):
		}
	}
}

// insert adds task unless the queue is at capacity. The advisory lock
// serialises the count and the insert across instances.
func (q *PostgresRetryQueue) insert(ctx context.Context, task RetryTask) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", tableLockKey(q.tableName)); err != nil {
		return err
	}
	table := quoteIdentifier(q.tableName)
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (message_id, attempt, enqueued_at)
		SELECT $1::bigint, $2::integer, $3::bigint
		WHERE (SELECT COUNT(*) FROM %s) < $4::bigint`, table, table),
		task.MessageID, task.Attempt, time.Now().UnixNano(), q.capacity)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrQueueFull
	}
	return tx.Commit()
}

func (q *PostgresRetryQueue) Dequeue(ctx context.Context) (RetryTask, bool) {
	for {
		task, err := q.take(ctx)
		if err == nil {
			return task, true
		}
		select {
		case <-ctx.Done():
			return RetryTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresRetryQueue) take(ctx context.Context) (RetryTask, error) {
	if err := q.ensureReady(); err != nil {
		return RetryTask{}, err
	}
	table := quoteIdentifier(q.tableName)
	var task RetryTask
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = (
			SELECT id FROM %s
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING message_id, attempt`, table, table)).Scan(&task.MessageID, &task.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryTask{}, ErrNotFound
	}
	return task, err
}

func (q *PostgresRetryQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdentifier(q.tableName)).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresRetryQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresRetryQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func tableLockKey(tableName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tableName))
	return int64(h.Sum64())
}
