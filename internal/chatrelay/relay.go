package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	retryEnqueueWait     = 5 * time.Second
	defaultHistoryTokens = 1000
)

type RelayOptions struct {
	Store            Store
	Cache            CompletionCache
	Completer        Completer
	Tokenizer        Tokenizer
	RetryQueue       RetryQueue
	Logger           *slog.Logger
	Policy           Policy
	SystemPrompt     string
	// MaxHistoryTokens lowers the history ceiling below the completer's
	// max tokens; zero keeps the completer's value.
	MaxHistoryTokens int
	ClosureSentinel  string
	RetryDelay       time.Duration
	MaxRetryAttempts int
	RetryWorkers     int
	DisableWorkers   bool
}

type Relay struct {
	store            Store
	cache            CompletionCache
	completer        Completer
	tokenizer        Tokenizer
	retryQueue       RetryQueue
	queueRef         *retryQueueRef
	logger           *slog.Logger
	policy           atomic.Pointer[Policy]
	systemPrompt     atomic.Pointer[string]
	maxHistoryTokens int
	closureSentinel  string
	retryDelay       time.Duration
	maxRetryAttempts int

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("%w: completer is required", ErrInvalidInput)
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCompletionCache(CacheOptions{})
	}
	tokenizer := opts.Tokenizer
	if tokenizer == nil {
		tokenizer = runeTokenizer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxHistoryTokens := historyCeiling(opts.Completer, opts.MaxHistoryTokens)
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	maxRetryAttempts := opts.MaxRetryAttempts
	if maxRetryAttempts < 0 {
		maxRetryAttempts = 0
	}
	workers := opts.RetryWorkers
	if workers <= 0 {
		workers = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	r := &Relay{
		store:            opts.Store,
		cache:            cache,
		completer:        opts.Completer,
		tokenizer:        tokenizer,
		retryQueue:       opts.RetryQueue,
		logger:           logger,
		maxHistoryTokens: maxHistoryTokens,
		closureSentinel:  opts.ClosureSentinel,
		retryDelay:       retryDelay,
		maxRetryAttempts: maxRetryAttempts,
		queueCtx:         queueCtx,
		queueCancel:      queueCancel,
		closed:           make(chan struct{}),
	}
	r.SetPolicy(opts.Policy)
	r.SetSystemPrompt(opts.SystemPrompt)

	if r.retryQueue != nil {
		r.queueRef = observeRetryQueue(r.retryQueue)
	}
	if r.retryQueue != nil && !opts.DisableWorkers {
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.runRetryWorker()
		}
	}
	return r, nil
}

// historyCeiling follows the completer's max output tokens. A positive
// override may only lower it.
func historyCeiling(completer Completer, override int) int {
	ceiling := defaultHistoryTokens
	if sized, ok := completer.(interface{ MaxTokens() int }); ok && sized.MaxTokens() > 0 {
		ceiling = sized.MaxTokens()
	}
	if override > 0 && override < ceiling {
		return override
	}
	return ceiling
}

func (r *Relay) Policy() Policy {
	return *r.policy.Load()
}

func (r *Relay) SetPolicy(policy Policy) {
	normalized := policy.normalized()
	r.policy.Store(&normalized)
}

func (r *Relay) SetSystemPrompt(prompt string) {
	r.systemPrompt.Store(&prompt)
}

func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.queueCancel()
		r.wg.Wait()
		if r.queueRef != nil {
			forgetRetryQueue(r.queueRef)
		}
	})
}

// Handle runs one webhook delivery through the resolver and the response
// gate. A returned error means nothing could be decided and the caller should
// answer with a server failure.
func (r *Relay) Handle(ctx context.Context, in InboundMessage) (Outcome, error) {
	directive, content := ParseDirective(in.Content)
	in.Content = content
	if strings.TrimSpace(in.Content) == "" {
		return Outcome{Kind: OutcomeEmpty}, nil
	}
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	message, created, err := r.store.FindOrCreateMessage(ctx, in, directive)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve message %s: %w", in.Key(), err)
	}
	r.logger.Debug("message resolved",
		"message_id", message.ID,
		"thread_id", message.ThreadID,
		"attempt", message.Attempts,
		"created", created,
	)
	return r.Respond(ctx, message)
}

func (r *Relay) RecordSubscription(ctx context.Context, event SubscriptionEvent) error {
	created, err := r.store.RecordSubscription(ctx, event)
	if err != nil {
		return err
	}
	r.logger.Info("subscription event",
		"sender", event.Sender,
		"channel", event.Channel,
		"event", string(event.Event),
		"recorded", created,
	)
	return nil
}

func (r *Relay) Message(ctx context.Context, id int64) (Message, error) {
	return r.store.GetMessage(ctx, id)
}

func (r *Relay) Thread(ctx context.Context, id int64) (ThreadView, error) {
	thread, err := r.store.GetThread(ctx, id)
	if err != nil {
		return ThreadView{}, err
	}
	messages, err := r.store.ThreadMessages(ctx, id)
	if err != nil {
		return ThreadView{}, fmt.Errorf("thread %d messages: %w", id, err)
	}
	return ThreadView{Thread: thread, Messages: messages}, nil
}

// Fetch returns the message content and every valid reply, oldest load first.
func (r *Relay) Fetch(ctx context.Context, id int64) (FetchResult, error) {
	message, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return FetchResult{}, err
	}
	return BuildFetchResult(message), nil
}

// WaitForReply polls until the message has at least one valid reply.
func (r *Relay) WaitForReply(ctx context.Context, id int64, interval time.Duration) (FetchResult, error) {
	if interval <= 0 {
		interval = r.Policy().PollInterval
	}
	for {
		result, err := r.Fetch(ctx, id)
		if err != nil {
			return FetchResult{}, err
		}
		if len(result.Replies) > 0 {
			return result, nil
		}
		if err := sleepContext(ctx, interval); err != nil {
			return result, err
		}
	}
}

func BuildFetchResult(message Message) FetchResult {
	valid := make([]Reply, 0, len(message.Replies))
	for _, reply := range message.Replies {
		if reply.Valid() {
			valid = append(valid, reply)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].LoadedAt.Before(valid[j].LoadedAt)
	})
	replies := make([]string, 0, len(valid))
	for _, reply := range valid {
		replies = append(replies, reply.Text)
	}
	return FetchResult{Message: message.Content, Replies: replies}
}

// Retry runs a fresh completion attempt for a message whose latest attempt
// failed. A message that already has a valid reply is returned unchanged. An
// attempt owned by someone else yields ErrInvalidState unless it has been
// pending longer than the policy's StaleAfter.
func (r *Relay) Retry(ctx context.Context, messageID int64) (Reply, error) {
	message, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return Reply{}, err
	}
	if reply, ok := message.ValidReply(); ok {
		return reply, nil
	}
	open, err := r.currentAttempt(ctx, message)
	if err != nil {
		return Reply{}, err
	}
	if open.Status != ReplyNotStarted {
		return Reply{}, fmt.Errorf("message %d attempt %d is %s: %w", message.ID, open.ID, open.Status, ErrInvalidState)
	}
	won, err := r.store.ClaimReply(ctx, open.ID)
	if err != nil {
		return Reply{}, err
	}
	if !won {
		return Reply{}, fmt.Errorf("message %d attempt %d claimed elsewhere: %w", message.ID, open.ID, ErrInvalidState)
	}
	replyTransitions.WithLabelValues(string(ReplyPending)).Inc()

	text, err := r.runAttempt(ctx, message, open)
	if err != nil {
		return Reply{}, err
	}
	open.Status = ReplyLoaded
	open.Text = text
	return open, nil
}

func (r *Relay) runRetryWorker() {
	defer r.wg.Done()
	for {
		task, ok := r.retryQueue.Dequeue(r.queueCtx)
		if !ok {
			select {
			case <-r.closed:
				return
			default:
				continue
			}
		}
		r.processRetry(task)
	}
}

func (r *Relay) processRetry(task RetryTask) {
	ctx, cancel := context.WithTimeout(r.queueCtx, r.Policy().CompletionTimeout)
	defer cancel()

	_, err := r.Retry(ctx, task.MessageID)
	switch {
	case err == nil:
		retryQueueEvents.WithLabelValues("resolved").Inc()
	case errors.Is(err, ErrInvalidState):
		retryQueueEvents.WithLabelValues("skipped").Inc()
	case errors.Is(err, ErrNotFound):
		retryQueueEvents.WithLabelValues("dropped").Inc()
	default:
		if task.Attempt >= r.maxRetryAttempts {
			retryQueueEvents.WithLabelValues("dead_lettered").Inc()
			r.logger.Error("retry attempts exhausted", "message_id", task.MessageID, "attempt", task.Attempt, "error", err)
			return
		}
		r.scheduleRetry(task.MessageID, task.Attempt+1)
	}
}

func (r *Relay) scheduleRetry(messageID int64, attempt int) {
	if r.retryQueue == nil || r.maxRetryAttempts <= 0 || attempt > r.maxRetryAttempts {
		return
	}
	delay := r.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	retryQueueEvents.WithLabelValues("scheduled").Inc()
	time.AfterFunc(delay, func() {
		if r.isClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(r.queueCtx, retryEnqueueWait)
		defer cancel()
		task := RetryTask{MessageID: messageID, Attempt: attempt}
		if err := r.retryQueue.Enqueue(ctx, task); err != nil {
			event := "enqueue_failed"
			if errors.Is(err, ErrQueueFull) {
				event = "queue_full"
			}
			retryQueueEvents.WithLabelValues(event).Inc()
			r.logger.Warn("retry not queued", "message_id", messageID, "attempt", attempt, "error", err)
		}
	})
}
