package chatrelay

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "sqlite", "sqlite3", "file":
		path := strings.TrimPrefix(dsn[len(scheme)+1:], "//")
		return NewSQLiteStore(path)
	case "mysql", "mongodb":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func BuildCompletionCacheFromDSN(dsn string, opts CacheOptions) (CompletionCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCompletionCache(opts), nil
	}
	scheme := dsnScheme(dsn)
	if factory, ok := lookupCompletionCacheFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCompletionCache(opts), nil
	case "redis", "rediss":
		return NewRedisCompletionCache(dsn, opts)
	case "memcached":
		return nil, fmt.Errorf("%w: completion cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported completion cache scheme: %s", scheme)
	}
}

func BuildRetryQueueFromDSN(dsn string, capacity int) (RetryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryRetryQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRetryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRetryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryRetryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresRetryQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: retry queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported retry queue scheme: %s", scheme)
	}
}

// dsnScheme reads the scheme without url.Parse, which rejects sqlite forms
// such as sqlite://:memory:.
func dsnScheme(dsn string) string {
	i := strings.Index(dsn, ":")
	if i <= 0 {
		return ""
	}
	return normalizeBackendScheme(dsn[:i])
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
