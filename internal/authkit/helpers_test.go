package authkit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bbunline/membership/internal/directory"
	"github.com/bbunline/membership/internal/idp"
)

const (
	testSigningKey  = "test-signing-key"
	testIssuer      = "bbunline-auth"
	testAudience    = "bbunline-api"
	testWebRedirect = "https://bbunline.example.com/callback"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeIdentityProvider struct {
	mutex        sync.Mutex
	codes        map[string]idp.UserInfo
	idTokens     map[string]idp.TokenPayload
	exchangeErr  error
	redirectURIs []string
	revoked      []string
}

func newFakeIdentityProvider() *fakeIdentityProvider {
	return &fakeIdentityProvider{
		codes:    make(map[string]idp.UserInfo),
		idTokens: make(map[string]idp.TokenPayload),
	}
}

func (provider *fakeIdentityProvider) ExchangeCode(ctx context.Context, code string, redirectURI string) (idp.ProviderTokens, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.redirectURIs = append(provider.redirectURIs, redirectURI)
	if provider.exchangeErr != nil {
		return idp.ProviderTokens{}, provider.exchangeErr
	}
	if _, ok := provider.codes[code]; !ok {
		return idp.ProviderTokens{}, idp.ErrUpstreamAuth
	}
	return idp.ProviderTokens{AccessToken: "access-for-" + code}, nil
}

func (provider *fakeIdentityProvider) FetchUserInfo(ctx context.Context, accessToken string) (idp.UserInfo, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	const prefix = "access-for-"
	if len(accessToken) <= len(prefix) {
		return idp.UserInfo{}, idp.ErrUpstreamAuth
	}
	userInfo, ok := provider.codes[accessToken[len(prefix):]]
	if !ok {
		return idp.UserInfo{}, idp.ErrUpstreamAuth
	}
	return userInfo, nil
}

func (provider *fakeIdentityProvider) VerifySignedToken(ctx context.Context, token string) (idp.TokenPayload, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	payload, ok := provider.idTokens[token]
	if !ok {
		return idp.TokenPayload{}, idp.ErrInvalidToken
	}
	return payload, nil
}

func (provider *fakeIdentityProvider) Revoke(ctx context.Context, token string) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.revoked = append(provider.revoked, token)
}

func (provider *fakeIdentityProvider) revokedTokens() []string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return append([]string(nil), provider.revoked...)
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		AppJWTSigningKey: []byte(testSigningKey),
		AppJWTIssuer:     testIssuer,
		AppJWTAudience:   testAudience,
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       14 * 24 * time.Hour,
		RedirectURIs: map[ClientType]string{
			ClientTypeWeb:     testWebRedirect,
			ClientTypeLocal:   "http://localhost:3000/callback",
			ClientTypeFlutter: "bbunline://callback",
		},
		RefreshCookieName: DefaultRefreshCookieName,
	}
}

func newTestDirectory(t *testing.T) *directory.GormDirectory {
	t.Helper()
	users, err := directory.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	return users
}

type issuerFixture struct {
	issuer   *SessionIssuer
	provider *fakeIdentityProvider
	users    *directory.GormDirectory
	sessions *MemorySessionStore
	clock    *controllableClock
	metrics  *CounterMetrics
	config   ServerConfig
}

func newIssuerFixture(t *testing.T) issuerFixture {
	t.Helper()
	clock := &controllableClock{current: time.Now().UTC()}
	provider := newFakeIdentityProvider()
	provider.codes["abc"] = idp.UserInfo{ID: "u1", Name: "Jane", Email: "jane@x.edu", StudentNumber: "20201234"}
	users := newTestDirectory(t)
	sessions := NewMemorySessionStore(clock)
	metrics := NewCounterMetrics()
	config := newTestServerConfig()
	issuer, err := NewSessionIssuer(config, provider, users, sessions, WithClock(clock), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuerFixture{
		issuer:   issuer,
		provider: provider,
		users:    users,
		sessions: sessions,
		clock:    clock,
		metrics:  metrics,
		config:   config,
	}
}
