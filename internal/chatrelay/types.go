package chatrelay

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrNotImplemented  = errors.New("not implemented")
	ErrEmptyCompletion = errors.New("empty completion")
)

type ReplyStatus string

const (
	ReplyNotStarted ReplyStatus = "not_started"
	ReplyPending    ReplyStatus = "pending"
	ReplyLoaded     ReplyStatus = "loaded"
	ReplyFailed     ReplyStatus = "failed"
)

func (s ReplyStatus) Open() bool {
	return s == ReplyNotStarted || s == ReplyPending
}

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
	KindLink  MessageKind = "link"
	KindEvent MessageKind = "event"
)

func ParseMessageKind(raw string) (MessageKind, bool) {
	switch MessageKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindText:
		return KindText, true
	case KindVoice:
		return KindVoice, true
	case KindLink:
		return KindLink, true
	case KindEvent:
		return KindEvent, true
	default:
		return "", false
	}
}

// InboundMessage is a delivery after transport decoding. Content holds the
// text the model sees: the typed text, the voice recognition or the link URL.
type InboundMessage struct {
	Sender     string
	Channel    string
	ExternalID string
	Kind       MessageKind
	Content    string
	MediaID    string
	Format     string
	URL        string
	ReceivedAt time.Time
}

func (m InboundMessage) Validate() error {
	if strings.TrimSpace(m.Sender) == "" || strings.TrimSpace(m.Channel) == "" || strings.TrimSpace(m.ExternalID) == "" {
		return ErrInvalidInput
	}
	if _, ok := ParseMessageKind(string(m.Kind)); !ok {
		return ErrInvalidInput
	}
	return nil
}

func (m InboundMessage) Key() string {
	return strings.Join([]string{"chat", m.Sender, m.Channel, m.ExternalID, string(m.Kind)}, ":")
}

type Reply struct {
	ID        int64       `json:"id"`
	MessageID int64       `json:"messageId"`
	Status    ReplyStatus `json:"status"`
	Text      string      `json:"text,omitempty"`
	Delivered bool        `json:"delivered"`
	CreatedAt time.Time   `json:"createdAt"`
	LoadedAt  time.Time   `json:"loadedAt,omitempty"`
}

func (r Reply) Valid() bool {
	return r.Status == ReplyLoaded && r.Text != ""
}

type Message struct {
	ID            int64       `json:"id"`
	Sender        string      `json:"sender"`
	Channel       string      `json:"channel"`
	ExternalID    string      `json:"externalId"`
	Kind          MessageKind `json:"kind"`
	Content       string      `json:"content"`
	MediaID       string      `json:"mediaId,omitempty"`
	Format        string      `json:"format,omitempty"`
	URL           string      `json:"url,omitempty"`
	Deterministic bool        `json:"deterministic"`
	ThreadID      int64       `json:"threadId"`
	Attempts      int         `json:"attempts"`
	ReceivedAt    time.Time   `json:"receivedAt"`
	CreatedAt     time.Time   `json:"createdAt"`
	Replies       []Reply     `json:"replies"`
}

func (m Message) Key() string {
	return InboundMessage{Sender: m.Sender, Channel: m.Channel, ExternalID: m.ExternalID, Kind: m.Kind}.Key()
}

// ValidReply returns the latest valid reply by creation order.
func (m Message) ValidReply() (Reply, bool) {
	for i := len(m.Replies) - 1; i >= 0; i-- {
		if m.Replies[i].Valid() {
			return m.Replies[i], true
		}
	}
	return Reply{}, false
}

func (m Message) OpenReply() (Reply, bool) {
	for i := len(m.Replies) - 1; i >= 0; i-- {
		if m.Replies[i].Status.Open() {
			return m.Replies[i], true
		}
	}
	return Reply{}, false
}

func (m Message) LatestReply() (Reply, bool) {
	if len(m.Replies) == 0 {
		return Reply{}, false
	}
	return m.Replies[len(m.Replies)-1], true
}

type Thread struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Channel   string    `json:"channel"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ThreadView is a thread with its messages in chronological order.
type ThreadView struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
}

type SubscriptionEventType string

const (
	EventSubscribe   SubscriptionEventType = "subscribe"
	EventUnsubscribe SubscriptionEventType = "unsubscribe"
)

type SubscriptionEvent struct {
	ID        int64                 `json:"id"`
	Sender    string                `json:"sender"`
	Channel   string                `json:"channel"`
	Event     SubscriptionEventType `json:"event"`
	CreatedAt time.Time             `json:"createdAt"`
}

// FetchResult is the deferred-fetch payload: valid replies ordered by load time.
type FetchResult struct {
	Message string   `json:"message"`
	Replies []string `json:"replies"`
}
