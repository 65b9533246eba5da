package chatrelay

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type OutcomeKind string

const (
	// OutcomeReply carries a reply text for the webhook response.
	OutcomeReply OutcomeKind = "reply"
	// OutcomeNotReady means the wait budget ran out; the channel redelivers.
	OutcomeNotReady OutcomeKind = "not_ready"
	// OutcomeDeferred is OutcomeNotReady on a late attempt: hand out the
	// deferred-fetch link instead of waiting for another redelivery.
	OutcomeDeferred OutcomeKind = "deferred"
	// OutcomeFailed reports that this request owned the attempt and it failed.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeEmpty acknowledges a delivery with nothing to answer.
	OutcomeEmpty OutcomeKind = "empty"
)

type Outcome struct {
	Kind      OutcomeKind
	Text      string
	MessageID int64
	Attempt   int
}

const (
	roleCached = "cached"
	roleOwner  = "owner"
	rolePoller = "poller"
)

type attemptResult struct {
	text string
	err  error
}

// Respond decides the webhook answer for a resolved message. At most one
// caller per attempt wins the claim and calls the completer; everyone else
// waits on the shared cache and the store.
func (r *Relay) Respond(ctx context.Context, message Message) (Outcome, error) {
	ctx, span := otel.Tracer("chatrelay/gate").Start(ctx, "gate.respond", trace.WithAttributes(
		attribute.Int64("message.id", message.ID),
		attribute.Int("message.attempt", message.Attempts),
	))
	defer span.End()

	if reply, ok := message.ValidReply(); ok {
		r.markDelivered(ctx, reply)
		gateOutcomes.WithLabelValues(string(OutcomeReply), roleCached).Inc()
		return r.replyOutcome(message, reply.Text), nil
	}

	open, err := r.currentAttempt(ctx, message)
	if err != nil {
		return Outcome{}, err
	}
	// Closing relays leave the claim to the next delivery.
	if open.Status == ReplyNotStarted && !r.isClosed() {
		won, err := r.store.ClaimReply(ctx, open.ID)
		if err != nil {
			return Outcome{}, err
		}
		if won {
			replyTransitions.WithLabelValues(string(ReplyPending)).Inc()
			span.SetAttributes(attribute.String("gate.role", roleOwner))
			return r.own(ctx, message, open), nil
		}
	}
	span.SetAttributes(attribute.String("gate.role", rolePoller))
	return r.poll(ctx, message), nil
}

// own starts the completion for a claimed attempt and waits for it up to the
// owner budget. The attempt keeps running past that budget and still persists
// its result.
func (r *Relay) own(ctx context.Context, message Message, reply Reply) Outcome {
	policy := r.Policy()
	if r.isClosed() {
		if err := r.store.FailReply(context.WithoutCancel(ctx), reply.ID); err != nil {
			r.logger.Warn("release claimed attempt", "message_id", message.ID, "reply_id", reply.ID, "error", err)
		}
		return r.degrade(message, policy)
	}
	published, err := r.cache.SetNX(ctx, message.Key(), CompletionEntry{Tries: message.Attempts, ReplyID: reply.ID})
	switch {
	case err != nil:
		r.logger.Warn("cache in-flight entry", "message_id", message.ID, "error", err)
	case !published:
		r.logger.Debug("in-flight entry already cached", "message_id", message.ID)
	}

	done := make(chan attemptResult, 1)
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), policy.CompletionTimeout)
	stop := context.AfterFunc(r.queueCtx, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer stop()
		defer cancel()
		text, err := r.runAttempt(attemptCtx, message, reply)
		if err != nil {
			r.scheduleRetry(message.ID, 1)
		}
		done <- attemptResult{text: text, err: err}
	}()

	timer := time.NewTimer(policy.OwnerWait)
	defer timer.Stop()
	select {
	case result := <-done:
		if result.err != nil {
			gateOutcomes.WithLabelValues(string(OutcomeFailed), roleOwner).Inc()
			return Outcome{Kind: OutcomeFailed, MessageID: message.ID, Attempt: message.Attempts}
		}
		reply.Status = ReplyLoaded
		reply.Text = result.text
		r.markDelivered(ctx, reply)
		gateOutcomes.WithLabelValues(string(OutcomeReply), roleOwner).Inc()
		return r.replyOutcome(message, result.text)
	case <-timer.C:
	case <-ctx.Done():
	}
	r.logger.Info("owner wait exhausted", "message_id", message.ID, "attempt", message.Attempts)
	outcome := r.degrade(message, policy)
	gateOutcomes.WithLabelValues(string(outcome.Kind), roleOwner).Inc()
	return outcome
}

func (r *Relay) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// poll waits for another caller's attempt. It never marks anything failed.
func (r *Relay) poll(ctx context.Context, message Message) Outcome {
	policy := r.Policy()
	budget := policy.PollBudget(message.Attempts)
	for i := 0; i < budget; i++ {
		if err := sleepContext(ctx, policy.PollInterval); err != nil {
			break
		}
		entry, ok, err := r.cache.Get(ctx, message.Key())
		if err != nil {
			r.logger.Warn("cache lookup", "message_id", message.ID, "error", err)
		}
		if ok && entry.Completed && entry.Result != "" {
			if entry.ReplyID > 0 {
				r.markDelivered(ctx, Reply{ID: entry.ReplyID, MessageID: message.ID})
			}
			gateOutcomes.WithLabelValues(string(OutcomeReply), rolePoller).Inc()
			return r.replyOutcome(message, entry.Result)
		}
		current, err := r.store.GetMessage(ctx, message.ID)
		if err != nil {
			r.logger.Warn("poll message", "message_id", message.ID, "error", err)
			continue
		}
		if reply, ok := current.ValidReply(); ok {
			r.markDelivered(ctx, reply)
			gateOutcomes.WithLabelValues(string(OutcomeReply), rolePoller).Inc()
			return r.replyOutcome(message, reply.Text)
		}
	}
	outcome := r.degrade(message, policy)
	gateOutcomes.WithLabelValues(string(outcome.Kind), rolePoller).Inc()
	return outcome
}

// currentAttempt returns the open attempt for message. A failed latest attempt
// gets a fresh one, and a pending attempt older than StaleAfter is failed and
// replaced since its owner is gone.
func (r *Relay) currentAttempt(ctx context.Context, message Message) (Reply, error) {
	open, ok := message.OpenReply()
	if ok && open.Status == ReplyPending && time.Since(open.CreatedAt) > r.Policy().StaleAfter {
		if err := r.store.FailReply(ctx, open.ID); err != nil && !errors.Is(err, ErrInvalidState) {
			return Reply{}, err
		}
		replyTransitions.WithLabelValues(string(ReplyFailed)).Inc()
		r.logger.Warn("stale attempt failed", "message_id", message.ID, "reply_id", open.ID)
		ok = false
	}
	if ok {
		return open, nil
	}
	return r.store.OpenAttempt(ctx, message.ID)
}

func (r *Relay) degrade(message Message, policy Policy) Outcome {
	kind := OutcomeNotReady
	if policy.LinkEligible(message.Attempts) {
		kind = OutcomeDeferred
	}
	return Outcome{Kind: kind, MessageID: message.ID, Attempt: message.Attempts}
}

func (r *Relay) replyOutcome(message Message, text string) Outcome {
	return Outcome{Kind: OutcomeReply, Text: text, MessageID: message.ID, Attempt: message.Attempts}
}

// runAttempt calls the completer for a claimed attempt and persists the
// terminal state. Persistence uses its own deadline so a cancelled caller
// still records the outcome.
func (r *Relay) runAttempt(ctx context.Context, message Message, reply Reply) (string, error) {
	persistCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
	}
	fail := func(cause error) (string, error) {
		pctx, cancel := persistCtx()
		defer cancel()
		if err := r.store.FailReply(pctx, reply.ID); err != nil {
			r.logger.Error("persist failed attempt", "message_id", message.ID, "reply_id", reply.ID, "error", err)
		} else {
			replyTransitions.WithLabelValues(string(ReplyFailed)).Inc()
		}
		if err := r.cache.Delete(pctx, message.Key()); err != nil {
			r.logger.Warn("cache delete", "message_id", message.ID, "error", err)
		}
		r.logger.Warn("completion attempt failed", "message_id", message.ID, "reply_id", reply.ID, "error", cause)
		return "", cause
	}

	turns, err := r.buildTurns(ctx, message)
	if err != nil {
		return fail(err)
	}
	text, err := r.completer.Complete(ctx, CompletionRequest{Turns: turns, Deterministic: message.Deterministic})
	if err != nil {
		return fail(err)
	}
	text, closed := SplitClosure(text, r.closureSentinel)
	if text == "" {
		return fail(ErrEmptyCompletion)
	}

	pctx, cancel := persistCtx()
	defer cancel()
	if err := r.store.CompleteReply(pctx, reply.ID, text, false); err != nil {
		r.logger.Error("persist loaded attempt", "message_id", message.ID, "reply_id", reply.ID, "error", err)
		return "", err
	}
	replyTransitions.WithLabelValues(string(ReplyLoaded)).Inc()
	entry := CompletionEntry{Completed: true, Result: text, Tries: message.Attempts, ReplyID: reply.ID}
	if err := r.cache.Set(pctx, message.Key(), entry); err != nil {
		r.logger.Warn("cache completed entry", "message_id", message.ID, "error", err)
	}
	if closed {
		if err := r.store.CompleteThread(pctx, message.ThreadID); err != nil {
			r.logger.Warn("complete thread", "thread_id", message.ThreadID, "error", err)
		}
	}
	return text, nil
}

// buildTurns assembles history up to and including message; later messages
// in the thread are left out.
func (r *Relay) buildTurns(ctx context.Context, message Message) ([]Turn, error) {
	messages, err := r.store.ThreadMessages(ctx, message.ThreadID)
	if err != nil {
		return nil, err
	}
	history := make([]Message, 0, len(messages))
	found := false
	for _, item := range messages {
		if item.ID == message.ID {
			item.Replies = nil
			history = append(history, item)
			found = true
			break
		}
		history = append(history, item)
	}
	if !found {
		history = append(history, Message{ID: message.ID, Content: message.Content})
	}
	turns, tokens := BuildHistory(history, HistoryOptions{
		SystemPrompt: *r.systemPrompt.Load(),
		MaxTokens:    r.maxHistoryTokens,
		Tokenizer:    r.tokenizer,
	})
	r.logger.Debug("prompt assembled", "message_id", message.ID, "turns", len(turns), "tokens", tokens)
	return turns, nil
}

func (r *Relay) markDelivered(ctx context.Context, reply Reply) {
	if reply.Delivered || reply.ID == 0 {
		return
	}
	if err := r.store.MarkDelivered(ctx, reply.ID); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("mark delivered", "reply_id", reply.ID, "error", err)
	}
}
