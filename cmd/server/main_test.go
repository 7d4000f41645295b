package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/bbunline/membership/internal/authkit"
	"github.com/bbunline/membership/internal/idp"
)

type stubIdentityProvider struct{}

func (stubIdentityProvider) ExchangeCode(ctx context.Context, code string, redirectURI string) (idp.ProviderTokens, error) {
	if code != "good-code" {
		return idp.ProviderTokens{}, idp.ErrUpstreamAuth
	}
	return idp.ProviderTokens{AccessToken: "provider-access"}, nil
}

func (stubIdentityProvider) FetchUserInfo(ctx context.Context, accessToken string) (idp.UserInfo, error) {
	return idp.UserInfo{ID: "u1", Name: "Jane", Email: "jane@x.edu", StudentNumber: "20201234"}, nil
}

func (stubIdentityProvider) VerifySignedToken(ctx context.Context, token string) (idp.TokenPayload, error) {
	return idp.TokenPayload{}, idp.ErrInvalidToken
}

func (stubIdentityProvider) Revoke(ctx context.Context, token string) {}

func setValidConfig(t *testing.T) {
	t.Helper()
	viper.Set("listen_addr", ":0")
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "members.db"))
	viper.Set("idp_base_url", "https://idp.example")
	viper.Set("idp_client_id", "client")
	viper.Set("web_redirect_uri", "https://bbunline.example/callback")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("jwt_issuer", "bbunline-auth")
	viper.Set("jwt_audience", "bbunline-api")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("dev_insecure_http", true)
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "missing database url",
			mutate:          func() { viper.Set("database_url", "") },
			expectedMessage: "config.missing_database_url: database_url must be provided",
		},
		{
			name:            "missing idp base url",
			mutate:          func() { viper.Set("idp_base_url", " ") },
			expectedMessage: "config.missing_idp_base_url: idp_base_url must be provided",
		},
		{
			name:            "missing idp client id",
			mutate:          func() { viper.Set("idp_client_id", "") },
			expectedMessage: "config.missing_idp_client_id: idp_client_id must be provided",
		},
		{
			name:            "missing web redirect",
			mutate:          func() { viper.Set("web_redirect_uri", "") },
			expectedMessage: "config.missing_web_redirect_uri: web_redirect_uri must be provided",
		},
		{
			name:            "missing signing key",
			mutate:          func() { viper.Set("jwt_signing_key", "") },
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			mutate:          func() { viper.Set("access_ttl", 0) },
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			mutate:          func() { viper.Set("refresh_ttl", -time.Second) },
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setValidConfig(t)
			testCase.mutate()

			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadServerConfigRedirectsAndCookies(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfig(t)
	viper.Set("flutter_redirect_uri", "bbunline://callback")
	viper.Set("enable_cors", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if uri, ok := config.Server.RedirectURIFor(authkit.ClientTypeFlutter); !ok || uri != "bbunline://callback" {
		t.Fatalf("unexpected flutter redirect: %q %v", uri, ok)
	}
	if _, ok := config.Server.RedirectURIFor(authkit.ClientTypeLocal); ok {
		t.Fatalf("expected local redirect to be unset")
	}
	if config.Server.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None when CORS is enabled")
	}
}

func TestRunServerIdentityProviderInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreProvider := withIdentityProviderBuilderStub(func(ctx context.Context, configuration idp.Config) (authkit.IdentityProvider, error) {
		return nil, errors.New("provider_fail")
	})
	defer restoreProvider()

	setValidConfig(t)
	command := commandWithConfig(t)

	if err := runServer(command, nil); err == nil || err.Error() != "config.identity_provider_init: provider_fail" {
		t.Fatalf("expected identity provider init error, got %v", err)
	}
}

func TestRunServerServesLoginAndMembers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreProvider := withIdentityProviderBuilderStub(func(ctx context.Context, configuration idp.Config) (authkit.IdentityProvider, error) {
		return stubIdentityProvider{}, nil
	})
	defer restoreProvider()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		handler := server.Handler

		health := httptest.NewRecorder()
		handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if health.Code != http.StatusOK {
			t.Errorf("expected healthz 200, got %d", health.Code)
		}

		login := httptest.NewRecorder()
		loginRequest := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"code":"good-code","type":"web"}`))
		loginRequest.Header.Set("Content-Type", "application/json")
		handler.ServeHTTP(login, loginRequest)
		if login.Code != http.StatusOK {
			t.Errorf("expected login 200, got %d: %s", login.Code, login.Body.String())
			return http.ErrServerClosed
		}
		var tokens struct {
			AccessToken     string `json:"access_token"`
			ConsentRequired bool   `json:"consent_required"`
		}
		if err := json.Unmarshal(login.Body.Bytes(), &tokens); err != nil {
			t.Errorf("decode login: %v", err)
			return http.ErrServerClosed
		}
		if !tokens.ConsentRequired {
			t.Errorf("expected consent to be required for a new member")
		}

		me := httptest.NewRecorder()
		meRequest := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		meRequest.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		handler.ServeHTTP(me, meRequest)
		if me.Code != http.StatusOK || !strings.Contains(me.Body.String(), `"uuid":"u1"`) {
			t.Errorf("expected /api/me for u1, got %d: %s", me.Code, me.Body.String())
		}

		metrics := httptest.NewRecorder()
		handler.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if !strings.Contains(metrics.Body.String(), `bbunline_auth_events_total{event="auth.login.success"} 1`) {
			t.Errorf("expected login success counter in metrics output")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig(t)
	command := commandWithConfig(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerRejectsUnsupportedSessionStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start")
		return nil
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("session_store_url", "memcached://localhost:11211")
	command := commandWithConfig(t)

	err := runServer(command, nil)
	if err == nil || !errors.Is(err, errUnsupportedSessionStore) {
		t.Fatalf("expected unsupported session store error, got %v", err)
	}
}

func TestNewSessionStoreBackends(t *testing.T) {
	redisServer := miniredis.RunT(t)

	testCases := []struct {
		name            string
		url             string
		expectedBackend string
		expectPurger    bool
	}{
		{name: "memory", url: "", expectedBackend: "memory", expectPurger: true},
		{name: "redis", url: "redis://" + redisServer.Addr(), expectedBackend: "redis"},
		{name: "sqlite", url: "sqlite://" + filepath.Join(t.TempDir(), "sessions.db"), expectedBackend: "sqlite", expectPurger: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			backend, err := newSessionStore(context.Background(), testCase.url)
			if err != nil {
				t.Fatalf("open %s: %v", testCase.name, err)
			}
			defer backend.close()
			if backend.backend != testCase.expectedBackend {
				t.Fatalf("expected backend %q, got %q", testCase.expectedBackend, backend.backend)
			}
			if (backend.purger != nil) != testCase.expectPurger {
				t.Fatalf("unexpected purger presence for %s", testCase.name)
			}

			ctx := context.Background()
			if err := backend.store.Set(ctx, "opaque", "u1", time.Minute); err != nil {
				t.Fatalf("set: %v", err)
			}
			if userID, err := backend.store.Consume(ctx, "opaque"); err != nil || userID != "u1" {
				t.Fatalf("consume: %q, %v", userID, err)
			}
		})
	}
}

func TestSweepPrunesAndPurges(t *testing.T) {
	backend, err := newSessionStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := backend.store.Set(context.Background(), "stale", "u1", -time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	sweep(context.Background(), zap.NewNop(), backend.purger, authkit.NewClientRateLimiter(1, 1))

	removed, err := backend.purger.PurgeExpired(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("expected earlier sweep to purge the stale row, got %d, %v", removed, err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withIdentityProviderBuilderStub(stub func(ctx context.Context, configuration idp.Config) (authkit.IdentityProvider, error)) func() {
	previous := buildIdentityProvider
	buildIdentityProvider = stub
	return func() {
		buildIdentityProvider = previous
	}
}
