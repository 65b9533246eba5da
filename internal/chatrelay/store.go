package chatrelay

import (
	"context"
)

// Store persists messages, their reply attempts, threads and the
// subscription log. Reply transitions are compare-and-swap: a call that loses
// the race reports false or ErrInvalidState and leaves the row untouched.
type Store interface {
	FindOrCreateMessage(ctx context.Context, in InboundMessage, directive ThreadDirective) (Message, bool, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	ClaimReply(ctx context.Context, replyID int64) (bool, error)
	CompleteReply(ctx context.Context, replyID int64, text string, delivered bool) error
	FailReply(ctx context.Context, replyID int64) error
	OpenAttempt(ctx context.Context, messageID int64) (Reply, error)
	MarkDelivered(ctx context.Context, replyID int64) error
	GetThread(ctx context.Context, threadID int64) (Thread, error)
	ThreadMessages(ctx context.Context, threadID int64) ([]Message, error)
	CompleteThread(ctx context.Context, threadID int64) error
	RecordSubscription(ctx context.Context, event SubscriptionEvent) (bool, error)
	Close() error
}
