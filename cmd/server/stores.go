package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bbunline/membership/internal/authkit"
	"github.com/bbunline/membership/internal/authkitpg"
)

const janitorInterval = time.Minute

var errUnsupportedSessionStore = errors.New("session_store.unsupported_scheme")

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type sessionBackend struct {
	store   authkit.SessionStore
	purger  sessionPurger
	backend string
	close   func()
}

// newSessionStore selects the refresh session backend from the URL scheme; an empty URL keeps sessions in memory.
func newSessionStore(ctx context.Context, storeURL string) (sessionBackend, error) {
	if storeURL == "" {
		store := authkit.NewMemorySessionStore(nil)
		return sessionBackend{
			store:   store,
			purger:  store,
			backend: "memory",
			close:   func() {},
		}, nil
	}
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return sessionBackend{}, fmt.Errorf("session_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		store, openErr := authkit.OpenRedisSessionStore(ctx, storeURL, authkit.DefaultSessionKeyPrefix)
		if openErr != nil {
			return sessionBackend{}, openErr
		}
		return sessionBackend{
			store:   store,
			backend: "redis",
			close:   func() { _ = store.Close() },
		}, nil
	case "postgres", "postgresql":
		pool, poolErr := authkitpg.BuildPool(ctx, storeURL)
		if poolErr != nil {
			return sessionBackend{}, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return sessionBackend{}, fmt.Errorf("session_store.ensure_schema: %w", schemaErr)
		}
		store := authkitpg.NewPostgresSessionStore(pool)
		return sessionBackend{
			store:   store,
			purger:  store,
			backend: "postgres",
			close:   pool.Close,
		}, nil
	case "sqlite":
		store, openErr := authkit.NewDatabaseSessionStore(ctx, storeURL, nil)
		if openErr != nil {
			return sessionBackend{}, openErr
		}
		return sessionBackend{
			store:   store,
			purger:  store,
			backend: store.Driver(),
			close:   func() {},
		}, nil
	default:
		return sessionBackend{}, fmt.Errorf("%w: %s", errUnsupportedSessionStore, parsed.Scheme)
	}
}

// runJanitor periodically drops expired session rows and idle rate limiter entries.
func runJanitor(ctx context.Context, logger *zap.Logger, purger sessionPurger, limiter *authkit.ClientRateLimiter) {
	if purger == nil && limiter == nil {
		return
	}
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, logger, purger, limiter)
		}
	}
}

func sweep(ctx context.Context, logger *zap.Logger, purger sessionPurger, limiter *authkit.ClientRateLimiter) {
	if purger != nil {
		removed, err := purger.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("expired session purge failed",
				zap.String("code", "session_store.purge_failed"),
				zap.Error(err))
		} else if removed > 0 {
			logger.Info("expired sessions purged",
				zap.String("code", "session_store.purged"),
				zap.Int64("removed", removed))
		}
	}
	if limiter != nil {
		limiter.Prune()
	}
}
