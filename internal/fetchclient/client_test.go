package fetchclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
)

func fastClient(url string, opts Options) *Client {
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	return New(url, opts)
}

func TestFetchDecodesEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/messages/42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("expected a request id header")
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("fetch should not send credentials")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"data":{"message":"hello","replies":["first","second"]}}`))
	}))
	defer server.Close()

	result, err := fastClient(server.URL, Options{Token: "secret"}).Fetch(context.Background(), 42)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Message != "hello" || len(result.Replies) != 2 || result.Replies[1] != "second" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"message":"message not found"}`))
	}))
	defer server.Close()

	_, err := fastClient(server.URL, Options{}).Fetch(context.Background(), 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "message not found" || httpErr.Code != "" {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", atomic.LoadInt32(&calls))
	}
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":503,"message":"retry"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"message":"q","replies":[]}}`))
	}))
	defer server.Close()

	result, err := fastClient(server.URL, Options{}).Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if result.Message != "q" || len(result.Replies) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"rate limit exceeded"}`))
	}))
	defer server.Close()

	_, err := fastClient(server.URL, Options{MaxRetries: 2}).Fetch(context.Background(), 1)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests || httpErr.Code != "rate_limited" {
		t.Fatalf("expected 429 error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestAdminRetrySendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/messages/9/retry" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"missing bearer token","correlationId":"x"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":3,"messageId":9,"status":"loaded","text":"done","delivered":false}`))
	}))
	defer server.Close()

	reply, err := fastClient(server.URL, Options{Token: "admin-token"}).Retry(context.Background(), 9)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if reply.ID != 3 || reply.MessageID != 9 || reply.Status != chatrelay.ReplyLoaded || reply.Text != "done" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	_, err = fastClient(server.URL, Options{}).Retry(context.Background(), 9)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized || httpErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}

func TestWaitReturnsOnceRepliesArrive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, fetchEnvelope{Data: &chatrelay.FetchResult{Message: "q"}})
		_ = wsjson.Write(ctx, conn, fetchEnvelope{Data: &chatrelay.FetchResult{Message: "q", Replies: []string{"answer"}}})
		_ = conn.Close(websocket.StatusNormalClosure, "reply ready")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := fastClient(server.URL, Options{}).Wait(ctx, 5)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if len(result.Replies) != 1 || result.Replies[0] != "answer" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestWaitReportsNotReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_ = wsjson.Write(r.Context(), conn, fetchEnvelope{Data: &chatrelay.FetchResult{Message: "q"}})
		_ = conn.Close(websocket.StatusTryAgainLater, "reply not ready")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := fastClient(server.URL, Options{}).Wait(ctx, 5)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if result.Message != "q" {
		t.Fatalf("expected the last snapshot, got %+v", result)
	}
}

func TestRetryDelay(t *testing.T) {
	client := New("", Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("expected delay capped at max, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("expected Retry-After capped at max, got %s", got)
	}
	if got := parseRetryAfter("not-a-date"); got != 0 {
		t.Fatalf("expected zero for invalid header, got %s", got)
	}
	if client.streamURL(3) != "ws://127.0.0.1:8080/chat/messages/3/stream" {
		t.Fatalf("unexpected stream url %s", client.streamURL(3))
	}
}

type echoCompleter struct{}

func (echoCompleter) Complete(_ context.Context, req chatrelay.CompletionRequest) (string, error) {
	return "echo: " + req.Turns[len(req.Turns)-1].Content, nil
}

func TestClientAgainstRelayServer(t *testing.T) {
	store, err := chatrelay.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := chatrelay.NewRelay(chatrelay.RelayOptions{
		Store:     store,
		Completer: echoCompleter{},
		Logger:    logger,
		Policy:    chatrelay.Policy{PollInterval: 10 * time.Millisecond, OwnerWait: time.Second},
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	t.Cleanup(relay.Close)
	server := httptest.NewServer(httpapi.NewServerWithConfig(relay, httpapi.ServerConfig{SkipSignature: true, Logger: logger}))
	defer server.Close()

	outcome, err := relay.Handle(context.Background(), chatrelay.InboundMessage{
		Sender:     "user-1",
		Channel:    "gh_official",
		ExternalID: "ext-1",
		Kind:       chatrelay.KindText,
		Content:    "ping",
		ReceivedAt: time.Now(),
	})
	if err != nil || outcome.Kind != chatrelay.OutcomeReply {
		t.Fatalf("handle: outcome=%+v err=%v", outcome, err)
	}

	client := fastClient(server.URL, Options{})
	result, err := client.Fetch(context.Background(), outcome.MessageID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Message != "ping" || len(result.Replies) != 1 || result.Replies[0] != "echo: ping" {
		t.Fatalf("unexpected fetch result: %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamed, err := client.Wait(ctx, outcome.MessageID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(streamed.Replies) != 1 {
		t.Fatalf("unexpected streamed result: %+v", streamed)
	}

	if _, err := client.Fetch(context.Background(), outcome.MessageID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}
