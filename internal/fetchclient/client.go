// Package fetchclient talks to a running relay over its deferred-fetch and
// admin endpoints.
package fetchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
)

var (
	ErrNotFound = errors.New("message not found")
	// ErrNotReady is returned by Wait when the relay closed the stream
	// before any reply was stored.
	ErrNotReady = errors.New("reply not ready")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type fetchEnvelope struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    *chatrelay.FetchResult `json:"data"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Options struct {
	// Token is the admin bearer JWT. Fetch and Wait do not need it.
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func New(baseURL string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *Client) Fetch(ctx context.Context, id int64) (chatrelay.FetchResult, error) {
	var envelope fetchEnvelope
	if err := c.doJSON(ctx, http.MethodGet, messagePath("/chat/messages/", id), false, &envelope); err != nil {
		return chatrelay.FetchResult{}, err
	}
	if envelope.Code != 0 || envelope.Data == nil {
		return chatrelay.FetchResult{}, &HTTPError{StatusCode: envelope.Code, Message: envelope.Message}
	}
	return *envelope.Data, nil
}

// Wait follows the reply stream until at least one reply exists.
func (c *Client) Wait(ctx context.Context, id int64) (chatrelay.FetchResult, error) {
	conn, resp, err := websocket.Dial(ctx, c.streamURL(id), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{"X-Request-Id": []string{uuid.NewString()}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return chatrelay.FetchResult{}, &HTTPError{StatusCode: resp.StatusCode, Message: "stream rejected"}
		}
		return chatrelay.FetchResult{}, err
	}
	defer conn.CloseNow()

	var last chatrelay.FetchResult
	for {
		var envelope fetchEnvelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusTryAgainLater:
				return last, ErrNotReady
			case websocket.StatusNormalClosure:
				if len(last.Replies) > 0 {
					return last, nil
				}
				return last, ErrNotReady
			}
			return last, err
		}
		if envelope.Data != nil {
			last = *envelope.Data
		}
		if len(last.Replies) > 0 {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return last, nil
		}
	}
}

func (c *Client) Message(ctx context.Context, id int64) (chatrelay.Message, error) {
	var message chatrelay.Message
	err := c.doJSON(ctx, http.MethodGet, messagePath("/admin/messages/", id), true, &message)
	return message, err
}

func (c *Client) Retry(ctx context.Context, id int64) (chatrelay.Reply, error) {
	var reply chatrelay.Reply
	err := c.doJSON(ctx, http.MethodPost, messagePath("/admin/messages/", id)+"/retry", true, &reply)
	return reply, err
}

func (c *Client) streamURL(id int64) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + messagePath("/chat/messages/", id) + "/stream"
}

func messagePath(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, admin bool, out any) error {
	correlationID := uuid.NewString()
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, http.NoBody)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", correlationID)
		if admin {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payload)
	}
}

// decodeHTTPError reads both error shapes the relay emits: the fetch envelope
// with a numeric code and the admin body with a string code.
func decodeHTTPError(status int, payload []byte) error {
	var body struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	}
	httpErr := &HTTPError{StatusCode: status}
	if err := json.Unmarshal(payload, &body); err != nil {
		httpErr.Message = strings.TrimSpace(string(payload))
		return httpErr
	}
	httpErr.Message = body.Message
	var code string
	if err := json.Unmarshal(body.Code, &code); err == nil {
		httpErr.Code = code
	}
	return httpErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
