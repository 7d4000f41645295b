package idp

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxCertsBodyBytes = 1 << 20

// KeyCache holds the provider's current signing key for the lifetime of the process.
// A verification failure may trigger a refetch, at most once per cooldown.
type KeyCache struct {
	certsURL   string
	httpClient *http.Client
	timeout    time.Duration
	cooldown   time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mutex     sync.RWMutex
	key       crypto.PublicKey
	fetchedAt time.Time
	group     singleflight.Group
}

// NewKeyCache constructs an empty cache for the given JWK set URL.
func NewKeyCache(certsURL string, httpClient *http.Client, timeout time.Duration, cooldown time.Duration, logger *zap.Logger) *KeyCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyCache{
		certsURL:   certsURL,
		httpClient: httpClient,
		timeout:    timeout,
		cooldown:   cooldown,
		now:        time.Now,
		logger:     logger,
	}
}

// FetchPublicKey downloads the JWK set, converts its first key and stores it in the cache.
// Concurrent callers share one request. The shared request is detached from any
// single caller's cancellation and bounded by the cache timeout instead; each
// caller still stops waiting when its own context ends.
func (cache *KeyCache) FetchPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	shared := context.WithoutCancel(ctx)
	results := cache.group.DoChan("certs", func() (interface{}, error) {
		key, fetchErr := cache.download(shared)
		if fetchErr != nil {
			return nil, fetchErr
		}
		cache.mutex.Lock()
		cache.key = key
		cache.fetchedAt = cache.now()
		cache.mutex.Unlock()
		cache.logger.Info("identity provider public key loaded",
			zap.String("code", "idp.keys.loaded"),
			zap.String("url", cache.certsURL))
		return key, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(crypto.PublicKey), nil
	}
}

// Current returns the cached key, fetching it lazily when the cache is empty.
func (cache *KeyCache) Current(ctx context.Context) (crypto.PublicKey, error) {
	cache.mutex.RLock()
	key := cache.key
	cache.mutex.RUnlock()
	if key != nil {
		return key, nil
	}
	return cache.FetchPublicKey(ctx)
}

// RefreshAfterFailure refetches the key unless the cached one is younger than the cooldown.
// It reports whether a new key was loaded.
func (cache *KeyCache) RefreshAfterFailure(ctx context.Context) bool {
	cache.mutex.RLock()
	fetchedAt := cache.fetchedAt
	cache.mutex.RUnlock()
	if !fetchedAt.IsZero() && cache.now().Sub(fetchedAt) < cache.cooldown {
		return false
	}
	if _, err := cache.FetchPublicKey(ctx); err != nil {
		cache.logger.Warn("identity provider key refresh failed",
			zap.String("code", "idp.keys.refresh_failed"),
			zap.Error(err))
		return false
	}
	return true
}

func (cache *KeyCache) download(ctx context.Context) (crypto.PublicKey, error) {
	if cache.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cache.timeout)
		defer cancel()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, cache.certsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := cache.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxCertsBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: status %d", ErrUpstreamAuth, response.StatusCode)
	}

	keySet, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, err)
	}
	firstKey, ok := keySet.Key(0)
	if !ok {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: empty key set", ErrUpstreamAuth)
	}
	var rawKey interface{}
	if err := jwk.Export(firstKey, &rawKey); err != nil {
		return nil, fmt.Errorf("idp.fetch_public_key: %w: %v", ErrUpstreamAuth, err)
	}
	return rawKey, nil
}
