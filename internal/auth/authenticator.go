package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/config"
)

// StaticOperator is reported for keys configured through VALID_API_KEYS.
const StaticOperator = "static"

// KeyLookup resolves an API key to the operator it belongs to. An unknown
// key resolves to "".
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	operator  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	lookup     KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewAuthenticator builds an authenticator over the static keys in cfg and
// an optional lookup. lookup may be nil when only static keys are in use.
func NewAuthenticator(cfg *config.Config, lookup KeyLookup, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	return &Authenticator{
		lookup:     lookup,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		logger:     logger,
		now:        time.Now,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	_, ok := a.Operator(ctx, apiKey)
	return ok
}

// Operator returns who apiKey belongs to.
func (a *Authenticator) Operator(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return StaticOperator, true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.operator, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.lookup == nil {
		return "", false
	}
	operator, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", zap.Error(err))
		return "", false
	}
	if operator == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		operator:  operator,
		expiresAt: a.now().Add(a.ttl),
	})

	return operator, true
}
