package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func newTestStore(t testing.TB) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func textMessage(sender, externalID, content string) InboundMessage {
	return InboundMessage{
		Sender:     sender,
		Channel:    "gh_official",
		ExternalID: externalID,
		Kind:       KindText,
		Content:    content,
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestSQLStoreFindOrCreateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("first find or create: %v", err)
	}
	if !created {
		t.Fatalf("expected first delivery to create the message")
	}
	if first.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", first.Attempts)
	}
	if len(first.Replies) != 1 || first.Replies[0].Status != ReplyNotStarted {
		t.Fatalf("expected one not_started reply, got %+v", first.Replies)
	}

	second, created, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello again"), ThreadDirective{})
	if err != nil {
		t.Fatalf("second find or create: %v", err)
	}
	if created {
		t.Fatalf("expected redelivery to find the existing message")
	}
	if second.ID != first.ID {
		t.Fatalf("expected message %d, got %d", first.ID, second.ID)
	}
	if second.Content != "hello" {
		t.Fatalf("expected content to stay immutable, got %q", second.Content)
	}
	if second.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", second.Attempts)
	}
	if len(second.Replies) != 1 {
		t.Fatalf("expected no extra replies on redelivery, got %+v", second.Replies)
	}
}

func TestSQLStoreAttemptsStopCountingOnceAnswered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	replyID := message.Replies[0].ID
	if won, err := store.ClaimReply(ctx, replyID); err != nil || !won {
		t.Fatalf("expected claim to win, got won=%v err=%v", won, err)
	}
	if err := store.CompleteReply(ctx, replyID, "hi!", true); err != nil {
		t.Fatalf("complete reply: %v", err)
	}

	again, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Attempts != 1 {
		t.Fatalf("expected attempts to stay at 1 once answered, got %d", again.Attempts)
	}
	reply, ok := again.ValidReply()
	if !ok || reply.Text != "hi!" || !reply.Delivered {
		t.Fatalf("expected delivered valid reply, got %+v", again.Replies)
	}
	if reply.LoadedAt.IsZero() {
		t.Fatalf("expected loadedAt to be stamped")
	}
}

func TestSQLStoreConcurrentDeliveriesCreateOneMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	ids := make(chan int64, deliveries)
	createdCount := make(chan bool, deliveries)
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			message, created, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "dup", "hello"), ThreadDirective{})
			if err != nil {
				errs <- err
				return
			}
			ids <- message.ID
			createdCount <- created
		}()
	}
	wg.Wait()
	close(ids)
	close(createdCount)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("expected a single message id, got %d and %d", first, id)
		}
	}
	creators := 0
	for created := range createdCount {
		if created {
			creators++
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one creator, got %d", creators)
	}
	message, err := store.GetMessage(ctx, first)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if message.Attempts != deliveries {
		t.Fatalf("expected attempts=%d, got %d", deliveries, message.Attempts)
	}
}

func TestSQLStoreClaimIsSingleWriter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	replyID := message.Replies[0].ID

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.ClaimReply(ctx, replyID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", winners)
	}
}

func TestSQLStoreReplyTransitionsRequirePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	replyID := message.Replies[0].ID

	if err := store.CompleteReply(ctx, replyID, "too early", false); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState completing a not_started reply, got %v", err)
	}
	if err := store.FailReply(ctx, replyID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState failing a not_started reply, got %v", err)
	}
	if _, err := store.ClaimReply(ctx, replyID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteReply(ctx, replyID, "", false); !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
	if err := store.FailReply(ctx, replyID); err != nil {
		t.Fatalf("fail reply: %v", err)
	}
	if err := store.FailReply(ctx, replyID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected failed reply to stay terminal, got %v", err)
	}
}

func TestSQLStoreOpenAttemptAfterFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	message, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "hello"), ThreadDirective{})
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	first := message.Replies[0]

	open, err := store.OpenAttempt(ctx, message.ID)
	if err != nil {
		t.Fatalf("open attempt: %v", err)
	}
	if open.ID != first.ID {
		t.Fatalf("expected the existing open attempt %d, got %d", first.ID, open.ID)
	}

	if _, err := store.ClaimReply(ctx, first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailReply(ctx, first.ID); err != nil {
		t.Fatalf("fail: %v", err)
	}
	fresh, err := store.OpenAttempt(ctx, message.ID)
	if err != nil {
		t.Fatalf("open attempt after failure: %v", err)
	}
	if fresh.ID == first.ID || fresh.Status != ReplyNotStarted {
		t.Fatalf("expected a fresh not_started attempt, got %+v", fresh)
	}

	reloaded, err := store.GetMessage(ctx, message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if len(reloaded.Replies) != 2 || reloaded.Replies[0].Status != ReplyFailed {
		t.Fatalf("expected failed attempt kept alongside the new one, got %+v", reloaded.Replies)
	}

	if _, err := store.OpenAttempt(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestSQLStoreNewThreadMarkerClosesOpenThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m1", "one"), ThreadDirective{})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m2", "two"), ThreadDirective{})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ThreadID != second.ThreadID {
		t.Fatalf("expected messages to share the open thread")
	}
	other, _, err := store.FindOrCreateMessage(ctx, textMessage("user_b", "m1", "other"), ThreadDirective{})
	if err != nil {
		t.Fatalf("other sender: %v", err)
	}
	if other.ThreadID == first.ThreadID {
		t.Fatalf("expected senders to have separate threads")
	}

	third, _, err := store.FindOrCreateMessage(ctx, textMessage("user_a", "m3", "fresh start"), ThreadDirective{NewThread: true})
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.ThreadID == first.ThreadID {
		t.Fatalf("expected new-thread marker to start a new thread")
	}
	old, err := store.GetThread(ctx, first.ThreadID)
	if err != nil {
		t.Fatalf("get old thread: %v", err)
	}
	if !old.Completed {
		t.Fatalf("expected previous thread to be completed")
	}
	messages, err := store.ThreadMessages(ctx, third.ThreadID)
	if err != nil {
		t.Fatalf("thread messages: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != third.ID {
		t.Fatalf("expected new thread to contain only the new message, got %+v", messages)
	}
	untouched, err := store.GetThread(ctx, other.ThreadID)
	if err != nil {
		t.Fatalf("get other thread: %v", err)
	}
	if untouched.Completed {
		t.Fatalf("expected other sender's thread to stay open")
	}
}

func TestSQLStoreThreadMessagesAreChronologicalWithReplies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	late := textMessage("user_a", "m2", "second")
	late.ReceivedAt = time.Unix(1700000100, 0)
	early := textMessage("user_a", "m1", "first")
	early.ReceivedAt = time.Unix(1700000000, 0)

	lateMessage, _, err := store.FindOrCreateMessage(ctx, late, ThreadDirective{})
	if err != nil {
		t.Fatalf("late: %v", err)
	}
	earlyMessage, _, err := store.FindOrCreateMessage(ctx, early, ThreadDirective{})
	if err != nil {
		t.Fatalf("early: %v", err)
	}
	replyID := earlyMessage.Replies[0].ID
	if _, err := store.ClaimReply(ctx, replyID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteReply(ctx, replyID, "answer", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	messages, err := store.ThreadMessages(ctx, lateMessage.ThreadID)
	if err != nil {
		t.Fatalf("thread messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "first" || messages[1].Content != "second" {
		t.Fatalf("expected chronological order, got %+v", messages)
	}
	if reply, ok := messages[0].ValidReply(); !ok || reply.Text != "answer" {
		t.Fatalf("expected first message to carry its reply, got %+v", messages[0].Replies)
	}
}

func TestSQLStoreRecordSubscriptionIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	event := SubscriptionEvent{
		Sender:    "user_a",
		Channel:   "gh_official",
		Event:     EventSubscribe,
		CreatedAt: time.Unix(1700000000, 0),
	}
	created, err := store.RecordSubscription(ctx, event)
	if err != nil || !created {
		t.Fatalf("expected first record to insert, got created=%v err=%v", created, err)
	}
	created, err = store.RecordSubscription(ctx, event)
	if err != nil || created {
		t.Fatalf("expected duplicate record to be ignored, got created=%v err=%v", created, err)
	}
	event.Event = "poke"
	if _, err := store.RecordSubscription(ctx, event); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown event, got %v", err)
	}
}

func TestSQLStoreGetMessageNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetMessage(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStoreRejectsInvalidInbound(t *testing.T) {
	store := newTestStore(t)
	in := textMessage("", "m1", "hello")
	if _, _, err := store.FindOrCreateMessage(context.Background(), in, ThreadDirective{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	in = textMessage("user_a", "m1", "hello")
	in.Kind = "image"
	if _, _, err := store.FindOrCreateMessage(context.Background(), in, ThreadDirective{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unsupported kind, got %v", err)
	}
}

func TestSQLStoreOneOpenThreadPerSender(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store, err := NewSQLiteStore(":memory:")
		if err != nil {
			rt.Fatalf("new store: %v", err)
		}
		defer store.Close()
		ctx := context.Background()

		senders := []string{"alice", "bob", "carol"}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		latestThread := map[string]int64{}
		for i := 0; i < steps; i++ {
			sender := rapid.SampledFrom(senders).Draw(rt, "sender")
			newThread := rapid.Bool().Draw(rt, "newThread")
			message, _, err := store.FindOrCreateMessage(ctx, textMessage(sender, fmt.Sprintf("m%d", i), "hi"), ThreadDirective{NewThread: newThread})
			if err != nil {
				rt.Fatalf("find or create: %v", err)
			}
			if previous, ok := latestThread[sender]; ok && !newThread && previous != message.ThreadID {
				rt.Fatalf("expected %s to stay on thread %d, got %d", sender, previous, message.ThreadID)
			}
			latestThread[sender] = message.ThreadID
		}

		var open int
		row := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_thread WHERE completed = FALSE")
		if err := row.Scan(&open); err != nil {
			rt.Fatalf("count open threads: %v", err)
		}
		if open != len(latestThread) {
			rt.Fatalf("expected %d open threads, got %d", len(latestThread), open)
		}
		for sender, threadID := range latestThread {
			thread, err := store.GetThread(ctx, threadID)
			if err != nil {
				rt.Fatalf("get thread: %v", err)
			}
			if thread.Completed {
				rt.Fatalf("expected latest thread of %s to be open", sender)
			}
		}
	})
}

func TestPostgresDialectRebind(t *testing.T) {
	got := postgresDialect.rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	if sqliteDialect.rebind("x = ?") != "x = ?" {
		t.Fatalf("expected sqlite query untouched")
	}
}
