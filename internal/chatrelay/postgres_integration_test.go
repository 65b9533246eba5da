package chatrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationConcurrentDeliveries(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := postgresIntegrationName("user")
	in := textMessage(sender, "m1", "hello")
	const deliveries = 8
	var wg sync.WaitGroup
	ids := make(chan int64, deliveries)
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			message, _, err := store.FindOrCreateMessage(context.Background(), in, ThreadDirective{})
			if err != nil {
				errs <- err
				return
			}
			ids <- message.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("find or create: %v", err)
	}
	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("expected a single message row, got ids %d and %d", first, id)
		}
	}

	message, err := store.GetMessage(context.Background(), first)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if message.Attempts != deliveries {
		t.Fatalf("expected %d attempts, got %d", deliveries, message.Attempts)
	}
	if len(message.Replies) != 1 {
		t.Fatalf("expected one open reply, got %+v", message.Replies)
	}

	var winners atomic.Int32
	var claims sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		claims.Add(1)
		go func() {
			defer claims.Done()
			won, err := store.ClaimReply(context.Background(), message.Replies[0].ID)
			if err == nil && won {
				winners.Add(1)
			}
		}()
	}
	claims.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners.Load())
	}
}

func TestPostgresIntegrationRetryQueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	queue, err := NewPostgresRetryQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres retry queue: %v", err)
	}
	pg := queue.(*PostgresRetryQueue)
	pg.tableName = postgresIntegrationName("chat_retry_queue_it")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	for _, id := range []int64{1, 2} {
		if err := enqueueWithin(queue, RetryTask{MessageID: id, Attempt: 1}, 2*time.Second); err != nil {
			t.Fatalf("enqueue %d: %v", id, err)
		}
	}
	if err := enqueueWithin(queue, RetryTask{MessageID: 3, Attempt: 1}, 200*time.Millisecond); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok || task.MessageID != 1 {
		t.Fatalf("expected message 1 first, got %+v (ok=%v)", task, ok)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", queue.Depth())
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CHATRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CHATRELAY_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(tableName)); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
