package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	authorizePath = "/oauth/authorize"
	tokenPath     = "/oauth/token"
	userInfoPath  = "/oauth/userinfo"
	revokePath    = "/oauth/revoke"
	certsPath     = "/oauth/certs"

	defaultTimeout            = 10 * time.Second
	defaultKeyRefreshCooldown = 5 * time.Minute
	maxUserInfoBodyBytes      = 1 << 20
)

var (
	errMissingBaseURL  = errors.New("idp.config.missing_base_url")
	errMissingClientID = errors.New("idp.config.missing_client_id")

	idTokenSigningMethods = []string{jwt.SigningMethodES256.Alg(), jwt.SigningMethodRS256.Alg()}
)

// Config describes the upstream provider.
type Config struct {
	BaseURL            string
	ClientID           string
	ClientSecret       string
	Issuer             string
	Timeout            time.Duration
	KeyRefreshCooldown time.Duration
	HTTPClient         *http.Client
	Logger             *zap.Logger
}

// Client performs single-attempt calls against the provider. Every call is bounded by the configured timeout.
type Client struct {
	oauthConfig oauth2.Config
	httpClient  *http.Client
	userInfoURL string
	revokeURL   string
	issuer      string
	timeout     time.Duration
	keys        *KeyCache
	logger      *zap.Logger
	now         func() time.Time
}

// NewClient validates the configuration and derives the provider endpoints from BaseURL.
func NewClient(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("idp.new_client: %w", errMissingBaseURL)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("idp.new_client: %w", err)
	}
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("idp.new_client: %w", errMissingClientID)
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cooldown := configuration.KeyRefreshCooldown
	if cooldown <= 0 {
		cooldown = defaultKeyRefreshCooldown
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer := strings.TrimSpace(configuration.Issuer)
	if issuer == "" {
		issuer = baseURL
	}
	return &Client{
		oauthConfig: oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   baseURL + authorizePath,
				TokenURL:  baseURL + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid", "profile", "email"},
		},
		httpClient:  httpClient,
		userInfoURL: baseURL + userInfoPath,
		revokeURL:   baseURL + revokePath,
		issuer:      issuer,
		timeout:     timeout,
		keys:        NewKeyCache(baseURL+certsPath, httpClient, timeout, cooldown, logger),
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Keys exposes the signing key cache.
func (client *Client) Keys() *KeyCache {
	return client.keys
}

// WarmKeys loads the provider signing key; called once at startup.
func (client *Client) WarmKeys(ctx context.Context) error {
	_, err := client.keys.FetchPublicKey(ctx)
	return err
}

// ExchangeCode trades an authorization code for provider tokens. The redirect URI must match
// the one used by the client surface that started the flow.
func (client *Client) ExchangeCode(ctx context.Context, code string, redirectURI string) (ProviderTokens, error) {
	if strings.TrimSpace(code) == "" || strings.TrimSpace(redirectURI) == "" {
		return ProviderTokens{}, fmt.Errorf("idp.exchange_code: %w", ErrMissingArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)

	exchangeConfig := client.oauthConfig
	exchangeConfig.RedirectURL = redirectURI
	token, err := exchangeConfig.Exchange(ctx, code)
	if err != nil {
		return ProviderTokens{}, fmt.Errorf("idp.exchange_code: %w: %v", ErrUpstreamAuth, err)
	}
	idToken, _ := token.Extra("id_token").(string)
	return ProviderTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Expiry:       token.Expiry,
	}, nil
}

// FetchUserInfo resolves the identity behind a provider access token.
func (client *Client) FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	if strings.TrimSpace(accessToken) == "" {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w", ErrMissingArgument)
	}
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.userInfoURL, nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: %v", ErrUpstreamAuth, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: %v", ErrUpstreamAuth, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxUserInfoBodyBytes))
	if err != nil {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: %v", ErrUpstreamAuth, err)
	}
	if response.StatusCode != http.StatusOK {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: status %d", ErrUpstreamAuth, response.StatusCode)
	}
	var userInfo UserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: %v", ErrUpstreamAuth, err)
	}
	if strings.TrimSpace(userInfo.ID) == "" {
		return UserInfo{}, fmt.Errorf("idp.fetch_user_info: %w: missing subject", ErrUpstreamAuth)
	}
	return userInfo, nil
}

// VerifySignedToken validates a provider ID token against the cached key and the issuer,
// audience and expiry claims. A signature failure triggers at most one key refresh and retry.
func (client *Client) VerifySignedToken(ctx context.Context, token string) (TokenPayload, error) {
	if strings.TrimSpace(token) == "" {
		return TokenPayload{}, fmt.Errorf("idp.verify_signed_token: %w: empty token", ErrInvalidToken)
	}
	payload, err := client.parseSignedToken(ctx, token)
	if err != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) && client.keys.RefreshAfterFailure(ctx) {
		payload, err = client.parseSignedToken(ctx, token)
	}
	if err != nil {
		return TokenPayload{}, fmt.Errorf("idp.verify_signed_token: %w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(payload.Subject) == "" {
		return TokenPayload{}, fmt.Errorf("idp.verify_signed_token: %w: missing subject", ErrInvalidToken)
	}
	return payload, nil
}

func (client *Client) parseSignedToken(ctx context.Context, token string) (TokenPayload, error) {
	var payload TokenPayload
	_, err := jwt.ParseWithClaims(token, &payload, func(parsed *jwt.Token) (interface{}, error) {
		return client.keys.Current(ctx)
	},
		jwt.WithValidMethods(idTokenSigningMethods),
		jwt.WithIssuer(client.issuer),
		jwt.WithAudience(client.oauthConfig.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(client.now),
	)
	return payload, err
}

// Revoke asks the provider to revoke a token. Failures are logged, never returned.
func (client *Client) Revoke(ctx context.Context, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	form := url.Values{
		"token":         {token},
		"client_id":     {client.oauthConfig.ClientID},
		"client_secret": {client.oauthConfig.ClientSecret},
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		client.logger.Warn("provider revoke request build failed",
			zap.String("code", "idp.revoke.request"),
			zap.Error(err))
		return
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("provider revoke failed",
			zap.String("code", "idp.revoke.transport"),
			zap.Error(err))
		return
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxUserInfoBodyBytes))
	if response.StatusCode < 200 || response.StatusCode > 299 {
		client.logger.Warn("provider revoke rejected",
			zap.String("code", "idp.revoke.status"),
			zap.Int("status", response.StatusCode))
	}
}
