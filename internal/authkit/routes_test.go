package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bbunline/membership/internal/idp"
)

type routesFixture struct {
	issuerFixture
	router *gin.Engine
}

func newRoutesFixture(t *testing.T) routesFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := newIssuerFixture(t)
	guard, err := NewLocalJWTStrategy(fixture.config, fixture.clock)
	if err != nil {
		t.Fatalf("local strategy: %v", err)
	}
	router := gin.New()
	MountAuthRoutes(router, fixture.config, fixture.issuer, guard, nil)
	return routesFixture{issuerFixture: fixture, router: router}
}

func (fixture routesFixture) perform(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func decodeTokenResponse(t *testing.T, recorder *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var response tokenResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return response
}

func loginRequestWithCode(code string, clientType string) *http.Request {
	body, _ := json.Marshal(loginRequest{Code: code, Type: clientType})
	request := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/login", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	return request
}

func TestLoginRouteSetsRefreshCookie(t *testing.T) {
	fixture := newRoutesFixture(t)

	recorder := fixture.perform(loginRequestWithCode("abc", "web"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeTokenResponse(t, recorder)
	if response.AccessToken == "" || !response.ConsentRequired {
		t.Fatalf("unexpected response: %#v", response)
	}
	cookie := findCookie(recorder.Result().Cookies(), DefaultRefreshCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected refresh cookie")
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.Path != "/auth" || cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected cookie attributes: %#v", cookie)
	}
}

func TestLoginRouteForDeletedUserClearsRefreshCookie(t *testing.T) {
	fixture := newRoutesFixture(t)
	if recorder := fixture.perform(loginRequestWithCode("abc", "web")); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if err := fixture.users.MarkDeleted(context.Background(), "u1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	recorder := fixture.perform(loginRequestWithCode("abc", "web"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeTokenResponse(t, recorder)
	if response.AccessToken == "" || !response.ConsentRequired {
		t.Fatalf("unexpected response: %#v", response)
	}
	cookie := findCookie(recorder.Result().Cookies(), DefaultRefreshCookieName)
	if cookie == nil || cookie.Value != "" || cookie.MaxAge >= 0 {
		t.Fatalf("expected cleared refresh cookie, got %#v", cookie)
	}
}

func TestLoginRouteAcceptsBearerIDToken(t *testing.T) {
	fixture := newRoutesFixture(t)
	fixture.provider.idTokens["signed"] = idp.TokenPayload{
		StudentID:        "20201234",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}

	request := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/login", nil)
	request.Header.Set("Authorization", "Bearer signed")
	recorder := fixture.perform(request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestLoginRouteRejections(t *testing.T) {
	fixture := newRoutesFixture(t)

	insecure := loginRequestWithCode("abc", "web")
	insecure.URL.Scheme = "http"
	insecure.TLS = nil
	insecure.Host = "api.example.com"

	malformed := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/login", bytes.NewReader([]byte("{")))
	malformed.Header.Set("Content-Type", "application/json")

	testCases := []struct {
		name    string
		request *http.Request
		status  int
	}{
		{name: "plain http", request: insecure, status: http.StatusBadRequest},
		{name: "malformed json", request: malformed, status: http.StatusBadRequest},
		{name: "unknown code", request: loginRequestWithCode("nope", "web"), status: http.StatusUnauthorized},
		{name: "unknown client type", request: loginRequestWithCode("abc", "desktop"), status: http.StatusUnauthorized},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := fixture.perform(testCase.request)
			if recorder.Code != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, recorder.Code)
			}
			if findCookie(recorder.Result().Cookies(), DefaultRefreshCookieName) != nil {
				t.Fatalf("expected no refresh cookie on failure")
			}
		})
	}
}

func TestRefreshRouteRotatesCookie(t *testing.T) {
	fixture := newRoutesFixture(t)
	loginRecorder := fixture.perform(loginRequestWithCode("abc", "web"))
	original := findCookie(loginRecorder.Result().Cookies(), DefaultRefreshCookieName)

	refresh := func(value string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/refresh", nil)
		if value != "" {
			request.AddCookie(&http.Cookie{Name: DefaultRefreshCookieName, Value: value})
		}
		return fixture.perform(request)
	}

	if recorder := refresh(""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", recorder.Code)
	}

	rotated := refresh(original.Value)
	if rotated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rotated.Code)
	}
	next := findCookie(rotated.Result().Cookies(), DefaultRefreshCookieName)
	if next == nil || next.Value == "" || next.Value == original.Value {
		t.Fatalf("expected rotated cookie, got %#v", next)
	}
	if response := decodeTokenResponse(t, rotated); response.AccessToken == "" {
		t.Fatalf("expected access token")
	}

	replay := refresh(original.Value)
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", replay.Code)
	}
	cleared := findCookie(replay.Result().Cookies(), DefaultRefreshCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected refresh cookie to be cleared, got %#v", cleared)
	}
}

func TestLogoutRouteRequiresAccessToken(t *testing.T) {
	fixture := newRoutesFixture(t)
	loginRecorder := fixture.perform(loginRequestWithCode("abc", "web"))
	accessToken := decodeTokenResponse(t, loginRecorder).AccessToken
	refreshCookie := findCookie(loginRecorder.Result().Cookies(), DefaultRefreshCookieName)

	anonymous := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/logout", nil)
	anonymous.AddCookie(refreshCookie)
	if recorder := fixture.perform(anonymous); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without access token, got %d", recorder.Code)
	}

	body := bytes.NewReader([]byte(`{"provider_token":"provider-refresh"}`))
	logout := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/logout", body)
	logout.Header.Set("Content-Type", "application/json")
	logout.Header.Set("Authorization", "Bearer "+accessToken)
	logout.AddCookie(refreshCookie)
	recorder := fixture.perform(logout)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	cleared := findCookie(recorder.Result().Cookies(), DefaultRefreshCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected refresh cookie to be cleared")
	}
	if revoked := fixture.provider.revokedTokens(); len(revoked) != 1 || revoked[0] != "provider-refresh" {
		t.Fatalf("expected provider token revocation, got %v", revoked)
	}

	refresh := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/refresh", nil)
	refresh.AddCookie(refreshCookie)
	if recorder := fixture.perform(refresh); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected logged-out refresh to fail, got %d", recorder.Code)
	}
}

type stubIssuer struct {
	err error
}

func (issuer stubIssuer) Login(ctx context.Context, credential Credential) (TokenPair, error) {
	return TokenPair{}, issuer.err
}

func (issuer stubIssuer) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return TokenPair{}, issuer.err
}

func (issuer stubIssuer) Logout(ctx context.Context, request LogoutRequest) error {
	return issuer.err
}

func TestRoutesMapInternalErrorsTo500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	config := newTestServerConfig()
	guard, err := NewLocalJWTStrategy(config, nil)
	if err != nil {
		t.Fatalf("local strategy: %v", err)
	}
	router := gin.New()
	MountAuthRoutes(router, config, stubIssuer{err: errors.New("database unavailable")}, guard, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, loginRequestWithCode("abc", "web"))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodPost, "https://api.example.com/auth/refresh", nil)
	request.AddCookie(&http.Cookie{Name: DefaultRefreshCookieName, Value: "token"})
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if findCookie(recorder.Result().Cookies(), DefaultRefreshCookieName) != nil {
		t.Fatalf("expected cookie to be kept on internal failure")
	}
}

func TestIsHTTPS(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*http.Request)
		want   bool
	}{
		{name: "plain", mutate: func(*http.Request) {}, want: false},
		{name: "forwarded proto header", mutate: func(request *http.Request) { request.Header.Set("X-Forwarded-Proto", "https") }, want: true},
		{name: "forwarded header", mutate: func(request *http.Request) { request.Header.Set("Forwarded", "for=1.2.3.4;proto=https") }, want: true},
		{name: "localhost", mutate: func(request *http.Request) { request.Host = "localhost:8080" }, want: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
			testCase.mutate(request)
			if got := isHTTPS(request); got != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}
