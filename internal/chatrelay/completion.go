package chatrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type CompletionRequest struct {
	Turns         []Turn
	Deterministic bool
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type CompletionError struct {
	StatusCode int
	Body       string
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed: status=%d body=%s", e.StatusCode, e.Body)
}

type CompletionClientOptions struct {
	URL         string
	APIKey      string
	AuthHeader  string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

type HTTPCompletionClient struct {
	url         string
	apiKey      string
	authHeader  string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	jitter      time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
}

func NewHTTPCompletionClient(opts CompletionClientOptions) *HTTPCompletionClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	authHeader := strings.TrimSpace(opts.AuthHeader)
	if authHeader == "" {
		authHeader = "api-key"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = 0
	} else if jitter == 0 {
		jitter = 500 * time.Millisecond
	}
	return &HTTPCompletionClient{
		url:         strings.TrimSpace(opts.URL),
		apiKey:      strings.TrimSpace(opts.APIKey),
		authHeader:  authHeader,
		model:       strings.TrimSpace(opts.Model),
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		httpClient:  httpClient,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		jitter:      jitter,
		sleep:       sleepContext,
	}
}

func (c *HTTPCompletionClient) MaxTokens() int {
	return c.maxTokens
}

type completionPayload struct {
	Model       string  `json:"model,omitempty"`
	Messages    []Turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPCompletionClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if c == nil {
		return "", fmt.Errorf("completion client is nil")
	}
	if c.url == "" {
		return "", fmt.Errorf("completion url is required")
	}
	temperature := c.temperature
	if req.Deterministic {
		temperature = 0
	}
	body, err := json.Marshal(completionPayload{
		Model:       c.model,
		Messages:    req.Turns,
		MaxTokens:   c.maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}

	ctx, span := otel.Tracer("chatrelay/completion").Start(ctx, "completion.request")
	defer span.End()
	span.SetAttributes(
		attribute.Int("completion.turns", len(req.Turns)),
		attribute.Bool("completion.deterministic", req.Deterministic),
	)

	started := time.Now()
	text, attempts, err := c.do(ctx, body)
	completionDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("completion.attempts", attempts))
	if err != nil {
		completionResults.WithLabelValues(completionResultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	completionResults.WithLabelValues("ok").Inc()
	return text, nil
}

func (c *HTTPCompletionClient) do(ctx context.Context, body []byte) (string, int, error) {
	for attempt := 1; ; attempt++ {
		text, err := c.attempt(ctx, body)
		if err == nil {
			return text, attempt, nil
		}
		if attempt >= c.maxAttempts || !isResolutionError(err) {
			return "", attempt, err
		}
		if waitErr := c.sleep(ctx, c.retryDelay()); waitErr != nil {
			return "", attempt, waitErr
		}
	}
}

func (c *HTTPCompletionClient) attempt(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		if strings.EqualFold(c.authHeader, "Authorization") {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		} else {
			req.Header.Set(c.authHeader, c.apiKey)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode != http.StatusOK {
		return "", &CompletionError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(respBody)), 512)}
	}
	if err := validateCompletionBody(respBody); err != nil {
		return "", fmt.Errorf("completion response: %w", err)
	}
	var parsed completionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("completion response: %w", err)
	}
	content := parsed.Choices[0].Message.Content
	if content == nil || strings.TrimSpace(*content) == "" {
		return "", ErrEmptyCompletion
	}
	return *content, nil
}

func (c *HTTPCompletionClient) retryDelay() time.Duration {
	if c.jitter <= 0 {
		return c.baseDelay
	}
	return c.baseDelay + time.Duration(rand.Int64N(int64(c.jitter)))
}

// isResolutionError matches failures to resolve or reach the upstream host.
// Anything that reached the server is final.
func isResolutionError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

const completionResponseSchema = `{
	"type": "object",
	"required": ["choices"],
	"properties": {
		"choices": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {
						"type": "object",
						"properties": {
							"role": {"type": "string"},
							"content": {"type": ["string", "null"]}
						}
					}
				}
			}
		}
	}
}`

var (
	completionSchemaOnce sync.Once
	completionSchema     *jsonschema.Schema
	completionSchemaErr  error
)

func validateCompletionBody(body []byte) error {
	completionSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(completionResponseSchema))
		if err != nil {
			completionSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("completion-response.json", doc); err != nil {
			completionSchemaErr = err
			return
		}
		completionSchema, completionSchemaErr = compiler.Compile("completion-response.json")
	})
	if completionSchemaErr != nil {
		return completionSchemaErr
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return completionSchema.Validate(instance)
}

func completionResultLabel(err error) string {
	var statusErr *CompletionError
	switch {
	case errors.Is(err, ErrEmptyCompletion):
		return "empty"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case isResolutionError(err):
		return "network"
	default:
		return "error"
	}
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit]
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
