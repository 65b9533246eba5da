package chatrelay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	threadTableName       = "chat_thread"
	messageTableName      = "chat_message"
	replyTableName        = "chat_reply"
	subscriptionTableName = "chat_subscription"
	sqlOperationTimeout   = 5 * time.Second
)

var errInsertConflict = errors.New("insert conflict")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name       string
	driver     string
	primaryKey string
	maxConns   int
}

var (
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres", primaryKey: "BIGSERIAL PRIMARY KEY"}
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite3", primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT", maxConns: 1}
)

// rebind rewrites ? placeholders into the dialect's form.
func (d sqlDialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStore struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: postgresDialect,
		openDB:  sql.Open,
		now:     time.Now,
	}, nil
}

// NewSQLiteStore opens path, or a private in-memory database for ":memory:".
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return &SQLStore{
		dsn:     dsn,
		dialect: sqliteDialect,
		openDB:  sql.Open,
		now:     time.Now,
	}, nil
}

func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.maxConns > 0 {
			db.SetMaxOpenConns(s.dialect.maxConns)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		for _, statement := range s.schema() {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("prepare schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) schema() []string {
	pk := s.dialect.primaryKey
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				sender TEXT NOT NULL,
				channel TEXT NOT NULL,
				completed BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`, quoteIdentifier(threadTableName), pk),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (sender, channel) WHERE completed = FALSE",
			quoteIdentifier(threadTableName+"_open_idx"), quoteIdentifier(threadTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				sender TEXT NOT NULL,
				channel TEXT NOT NULL,
				external_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				media_id TEXT NOT NULL DEFAULT '',
				format TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				deterministic BOOLEAN NOT NULL DEFAULT FALSE,
				thread_id BIGINT NOT NULL REFERENCES %s (id),
				attempts INTEGER NOT NULL DEFAULT 1,
				received_at BIGINT NOT NULL,
				created_at BIGINT NOT NULL
			)`, quoteIdentifier(messageTableName), pk, quoteIdentifier(threadTableName)),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (sender, channel, external_id)",
			quoteIdentifier(messageTableName+"_natural_key_idx"), quoteIdentifier(messageTableName)),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (thread_id, id)",
			quoteIdentifier(messageTableName+"_thread_idx"), quoteIdentifier(messageTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				message_id BIGINT NOT NULL REFERENCES %s (id),
				status TEXT NOT NULL,
				text TEXT NOT NULL DEFAULT '',
				delivered BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				loaded_at BIGINT NOT NULL DEFAULT 0
			)`, quoteIdentifier(replyTableName), pk, quoteIdentifier(messageTableName)),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (message_id) WHERE status IN ('not_started', 'pending')",
			quoteIdentifier(replyTableName+"_open_idx"), quoteIdentifier(replyTableName)),
		fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (message_id, id)",
			quoteIdentifier(replyTableName+"_message_idx"), quoteIdentifier(replyTableName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id %s,
				sender TEXT NOT NULL,
				channel TEXT NOT NULL,
				event TEXT NOT NULL,
				created_at BIGINT NOT NULL
			)`, quoteIdentifier(subscriptionTableName), pk),
		fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (sender, channel, created_at, event)",
			quoteIdentifier(subscriptionTableName+"_unique_idx"), quoteIdentifier(subscriptionTableName)),
	}
}

func (s *SQLStore) FindOrCreateMessage(ctx context.Context, in InboundMessage, directive ThreadDirective) (Message, bool, error) {
	if err := in.Validate(); err != nil {
		return Message{}, false, err
	}
	if err := s.ensureReady(); err != nil {
		return Message{}, false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		message, created, err := s.findOrCreateOnce(ctx, in, directive)
		if errors.Is(err, errInsertConflict) {
			continue
		}
		return message, created, err
	}
	return Message{}, false, fmt.Errorf("find or create message %s: %w", in.Key(), ErrConflict)
}

func (s *SQLStore) findOrCreateOnce(ctx context.Context, in InboundMessage, directive ThreadDirective) (Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := s.selectMessageByKey(ctx, tx, in.Sender, in.Channel, in.ExternalID)
	if err == nil {
		replies, err := s.selectReplies(ctx, tx, existing.ID)
		if err != nil {
			return Message{}, false, err
		}
		existing.Replies = replies
		if _, ok := existing.ValidReply(); !ok {
			query := fmt.Sprintf("UPDATE %s SET attempts = attempts + 1 WHERE id = ?", quoteIdentifier(messageTableName))
			if _, err := tx.ExecContext(ctx, s.dialect.rebind(query), existing.ID); err != nil {
				return Message{}, false, err
			}
			existing.Attempts++
		}
		if err := tx.Commit(); err != nil {
			return Message{}, false, err
		}
		committed = true
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Message{}, false, err
	}

	now := s.now().UTC()
	thread, err := s.resolveThread(ctx, tx, in.Sender, in.Channel, directive.NewThread, now)
	if err != nil {
		return Message{}, false, err
	}
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	insertMessage := fmt.Sprintf(`
		INSERT INTO %s (sender, channel, external_id, kind, content, media_id, format, url, deterministic, thread_id, attempts, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`, quoteIdentifier(messageTableName))
	var messageID int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(insertMessage),
		in.Sender, in.Channel, in.ExternalID, string(in.Kind), in.Content, in.MediaID, in.Format, in.URL,
		directive.Deterministic, thread.ID, receivedAt.UnixNano(), now.UnixNano(),
	).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, errInsertConflict
	}
	if err != nil {
		return Message{}, false, err
	}

	reply, err := s.insertReply(ctx, tx, messageID, now)
	if err != nil {
		return Message{}, false, err
	}
	touch := fmt.Sprintf("UPDATE %s SET updated_at = ? WHERE id = ?", quoteIdentifier(threadTableName))
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(touch), now.UnixNano(), thread.ID); err != nil {
		return Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, err
	}
	committed = true

	return Message{
		ID:            messageID,
		Sender:        in.Sender,
		Channel:       in.Channel,
		ExternalID:    in.ExternalID,
		Kind:          in.Kind,
		Content:       in.Content,
		MediaID:       in.MediaID,
		Format:        in.Format,
		URL:           in.URL,
		Deterministic: directive.Deterministic,
		ThreadID:      thread.ID,
		Attempts:      1,
		ReceivedAt:    fromUnixNano(receivedAt.UnixNano()),
		CreatedAt:     fromUnixNano(now.UnixNano()),
		Replies:       []Reply{reply},
	}, true, nil
}

func (s *SQLStore) resolveThread(ctx context.Context, tx *sql.Tx, sender, channel string, newThread bool, now time.Time) (Thread, error) {
	if newThread {
		query := fmt.Sprintf("UPDATE %s SET completed = ?, updated_at = ? WHERE sender = ? AND channel = ? AND completed = ?", quoteIdentifier(threadTableName))
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(query), true, now.UnixNano(), sender, channel, false); err != nil {
			return Thread{}, err
		}
	} else {
		thread, err := s.selectOpenThread(ctx, tx, sender, channel)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Thread{}, err
		}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (sender, channel, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`, quoteIdentifier(threadTableName))
	var id int64
	err := tx.QueryRowContext(ctx, s.dialect.rebind(insert), sender, channel, false, now.UnixNano(), now.UnixNano()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return s.selectOpenThread(ctx, tx, sender, channel)
	}
	if err != nil {
		return Thread{}, err
	}
	return Thread{
		ID:        id,
		Sender:    sender,
		Channel:   channel,
		CreatedAt: fromUnixNano(now.UnixNano()),
		UpdatedAt: fromUnixNano(now.UnixNano()),
	}, nil
}

func (s *SQLStore) insertReply(ctx context.Context, q queryer, messageID int64, now time.Time) (Reply, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, status, text, delivered, created_at, loaded_at)
		VALUES (?, ?, '', ?, ?, 0)
		ON CONFLICT DO NOTHING
		RETURNING id`, quoteIdentifier(replyTableName))
	var id int64
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), messageID, string(ReplyNotStarted), false, now.UnixNano()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return Reply{}, errInsertConflict
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		ID:        id,
		MessageID: messageID,
		Status:    ReplyNotStarted,
		CreatedAt: fromUnixNano(now.UnixNano()),
	}, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	if err := s.ensureReady(); err != nil {
		return Message{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", messageColumns, quoteIdentifier(messageTableName))
	message, err := scanMessage(s.db.QueryRowContext(ctx, s.dialect.rebind(query), id))
	if err != nil {
		return Message{}, err
	}
	replies, err := s.selectReplies(ctx, s.db, message.ID)
	if err != nil {
		return Message{}, err
	}
	message.Replies = replies
	return message, nil
}

func (s *SQLStore) ClaimReply(ctx context.Context, replyID int64) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	query := fmt.Sprintf("UPDATE %s SET status = ? WHERE id = ? AND status = ?", quoteIdentifier(replyTableName))
	return s.execSwap(ctx, query, string(ReplyPending), replyID, string(ReplyNotStarted))
}

func (s *SQLStore) CompleteReply(ctx context.Context, replyID int64, text string, delivered bool) error {
	if text == "" {
		return ErrEmptyCompletion
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET status = ?, text = ?, delivered = ?, loaded_at = ? WHERE id = ? AND status = ?", quoteIdentifier(replyTableName))
	swapped, err := s.execSwap(ctx, query, string(ReplyLoaded), text, delivered, s.now().UTC().UnixNano(), replyID, string(ReplyPending))
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("complete reply %d: %w", replyID, ErrInvalidState)
	}
	return nil
}

func (s *SQLStore) FailReply(ctx context.Context, replyID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET status = ? WHERE id = ? AND status = ?", quoteIdentifier(replyTableName))
	swapped, err := s.execSwap(ctx, query, string(ReplyFailed), replyID, string(ReplyPending))
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("fail reply %d: %w", replyID, ErrInvalidState)
	}
	return nil
}

func (s *SQLStore) MarkDelivered(ctx context.Context, replyID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET delivered = ? WHERE id = ?", quoteIdentifier(replyTableName))
	swapped, err := s.execSwap(ctx, query, true, replyID)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("reply %d: %w", replyID, ErrNotFound)
	}
	return nil
}

// OpenAttempt returns the message's open reply, inserting a fresh not_started
// attempt when every earlier one is terminal.
func (s *SQLStore) OpenAttempt(ctx context.Context, messageID int64) (Reply, error) {
	if err := s.ensureReady(); err != nil {
		return Reply{}, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		replies, err := s.selectReplies(ctx, s.db, messageID)
		if err != nil {
			return Reply{}, err
		}
		if len(replies) == 0 {
			if _, err := s.GetMessage(ctx, messageID); err != nil {
				return Reply{}, err
			}
		}
		for i := len(replies) - 1; i >= 0; i-- {
			if replies[i].Status.Open() {
				return replies[i], nil
			}
		}
		reply, err := s.insertReply(ctx, s.db, messageID, s.now().UTC())
		if errors.Is(err, errInsertConflict) {
			continue
		}
		return reply, err
	}
	return Reply{}, fmt.Errorf("open attempt for message %d: %w", messageID, ErrConflict)
}

func (s *SQLStore) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	if err := s.ensureReady(); err != nil {
		return Thread{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", threadColumns, quoteIdentifier(threadTableName))
	return scanThread(s.db.QueryRowContext(ctx, s.dialect.rebind(query), threadID))
}

// ThreadMessages returns a thread's messages oldest first, with replies.
func (s *SQLStore) ThreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE thread_id = ? ORDER BY received_at ASC, id ASC", messageColumns, quoteIdentifier(messageTableName))
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), threadID)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0)
	index := map[int64]int{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		index[message.ID] = len(messages)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	replyQuery := fmt.Sprintf(
		"SELECT %s FROM %s WHERE message_id IN (SELECT id FROM %s WHERE thread_id = ?) ORDER BY id ASC",
		replyColumns, quoteIdentifier(replyTableName), quoteIdentifier(messageTableName))
	replies, err := s.queryReplies(ctx, s.db, replyQuery, threadID)
	if err != nil {
		return nil, err
	}
	for _, reply := range replies {
		if i, ok := index[reply.MessageID]; ok {
			messages[i].Replies = append(messages[i].Replies, reply)
		}
	}
	return messages, nil
}

func (s *SQLStore) CompleteThread(ctx context.Context, threadID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET completed = ?, updated_at = ? WHERE id = ?", quoteIdentifier(threadTableName))
	swapped, err := s.execSwap(ctx, query, true, s.now().UTC().UnixNano(), threadID)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("thread %d: %w", threadID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) RecordSubscription(ctx context.Context, event SubscriptionEvent) (bool, error) {
	if strings.TrimSpace(event.Sender) == "" || strings.TrimSpace(event.Channel) == "" {
		return false, ErrInvalidInput
	}
	if event.Event != EventSubscribe && event.Event != EventUnsubscribe {
		return false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (sender, channel, event, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, quoteIdentifier(subscriptionTableName))
	return s.execSwap(ctx, query, event.Sender, event.Channel, string(event.Event), createdAt.UnixNano())
}

func (s *SQLStore) execSwap(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *SQLStore) selectMessageByKey(ctx context.Context, q queryer, sender, channel, externalID string) (Message, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE sender = ? AND channel = ? AND external_id = ?", messageColumns, quoteIdentifier(messageTableName))
	return scanMessage(q.QueryRowContext(ctx, s.dialect.rebind(query), sender, channel, externalID))
}

func (s *SQLStore) selectOpenThread(ctx context.Context, q queryer, sender, channel string) (Thread, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE sender = ? AND channel = ? AND completed = ?", threadColumns, quoteIdentifier(threadTableName))
	return scanThread(q.QueryRowContext(ctx, s.dialect.rebind(query), sender, channel, false))
}

func (s *SQLStore) selectReplies(ctx context.Context, q queryer, messageID int64) ([]Reply, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE message_id = ? ORDER BY id ASC", replyColumns, quoteIdentifier(replyTableName))
	return s.queryReplies(ctx, q, query, messageID)
}

func (s *SQLStore) queryReplies(ctx context.Context, q queryer, query string, args ...any) ([]Reply, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	replies := make([]Reply, 0)
	for rows.Next() {
		var (
			reply     Reply
			status    string
			createdAt int64
			loadedAt  int64
		)
		if err := rows.Scan(&reply.ID, &reply.MessageID, &status, &reply.Text, &reply.Delivered, &createdAt, &loadedAt); err != nil {
			return nil, err
		}
		reply.Status = ReplyStatus(status)
		reply.CreatedAt = fromUnixNano(createdAt)
		reply.LoadedAt = fromUnixNano(loadedAt)
		replies = append(replies, reply)
	}
	return replies, rows.Err()
}

const (
	messageColumns = "id, sender, channel, external_id, kind, content, media_id, format, url, deterministic, thread_id, attempts, received_at, created_at"
	replyColumns   = "id, message_id, status, text, delivered, created_at, loaded_at"
	threadColumns  = "id, sender, channel, completed, created_at, updated_at"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		message    Message
		kind       string
		receivedAt int64
		createdAt  int64
	)
	err := row.Scan(
		&message.ID, &message.Sender, &message.Channel, &message.ExternalID, &kind, &message.Content,
		&message.MediaID, &message.Format, &message.URL, &message.Deterministic, &message.ThreadID,
		&message.Attempts, &receivedAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	message.Kind = MessageKind(kind)
	message.ReceivedAt = fromUnixNano(receivedAt)
	message.CreatedAt = fromUnixNano(createdAt)
	message.Replies = []Reply{}
	return message, nil
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		thread    Thread
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&thread.ID, &thread.Sender, &thread.Channel, &thread.Completed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	thread.CreatedAt = fromUnixNano(createdAt)
	thread.UpdatedAt = fromUnixNano(updatedAt)
	return thread, nil
}

func fromUnixNano(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(0, value).UTC()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
