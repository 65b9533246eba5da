package chatrelay

import (
	"strings"
	"sync"
)

// Factories registered for a scheme take precedence over the built-in
// backends in the Build*FromDSN helpers.
type StoreFactory func(dsn string) (Store, error)
type CompletionCacheFactory func(dsn string, opts CacheOptions) (CompletionCache, error)
type RetryQueueFactory func(dsn string, capacity int) (RetryQueue, error)

type schemeRegistry[F any] struct {
	mu        sync.RWMutex
	factories map[string]F
}

func newSchemeRegistry[F any]() *schemeRegistry[F] {
	return &schemeRegistry[F]{factories: map[string]F{}}
}

func (r *schemeRegistry[F]) register(scheme string, factory F) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	r.mu.Lock()
	r.factories[scheme] = factory
	r.mu.Unlock()
}

func (r *schemeRegistry[F]) lookup(scheme string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[normalizeBackendScheme(scheme)]
	return factory, ok
}

var (
	storeFactories = newSchemeRegistry[StoreFactory]()
	cacheFactories = newSchemeRegistry[CompletionCacheFactory]()
	queueFactories = newSchemeRegistry[RetryQueueFactory]()
)

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	if factory != nil {
		storeFactories.register(scheme, factory)
	}
}

func RegisterCompletionCacheFactory(scheme string, factory CompletionCacheFactory) {
	if factory != nil {
		cacheFactories.register(scheme, factory)
	}
}

func RegisterRetryQueueFactory(scheme string, factory RetryQueueFactory) {
	if factory != nil {
		queueFactories.register(scheme, factory)
	}
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	return storeFactories.lookup(scheme)
}

func lookupCompletionCacheFactory(scheme string) (CompletionCacheFactory, bool) {
	return cacheFactories.lookup(scheme)
}

func lookupRetryQueueFactory(scheme string) (RetryQueueFactory, bool) {
	return queueFactories.lookup(scheme)
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
