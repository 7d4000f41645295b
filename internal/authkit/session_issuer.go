package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bbunline/membership/internal/directory"
	"github.com/bbunline/membership/internal/idp"
)

const (
	metricLoginSuccess   = "auth.login.success"
	metricLoginFailure   = "auth.login.failure"
	metricRefreshSuccess = "auth.refresh.success"
	metricRefreshFailure = "auth.refresh.failure"
	metricLogout         = "auth.logout"
)

var (
	errMissingSigningKey = errors.New("auth.config.missing_signing_key")
	errMissingIssuer     = errors.New("auth.config.missing_issuer")
	errInvalidTTL        = errors.New("auth.config.invalid_ttl")
	errMissingDependency = errors.New("auth.config.missing_dependency")
)

// CredentialKind tags the variant carried by a Credential.
type CredentialKind int

const (
	CredentialAuthorizationCode CredentialKind = iota + 1
	CredentialBearerIDToken
)

// Credential is the identity assertion presented at login.
type Credential struct {
	Kind       CredentialKind
	Code       string
	ClientType ClientType
	IDToken    string
}

// CodeCredential builds an authorization code credential.
func CodeCredential(code string, clientType ClientType) Credential {
	return Credential{Kind: CredentialAuthorizationCode, Code: code, ClientType: clientType}
}

// BearerCredential builds a provider ID token credential.
func BearerCredential(idToken string) Credential {
	return Credential{Kind: CredentialBearerIDToken, IDToken: idToken}
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	UserID               string
	AccessToken          string
	AccessExpiresAt      time.Time
	RefreshToken         string
	RefreshExpiresAt     time.Time
	RegistrationRequired bool
}

// LogoutRequest carries the refresh token to drop and an optional provider token to revoke.
type LogoutRequest struct {
	RefreshToken  string
	ProviderToken string
}

// Issuer is the login, refresh, and logout surface consumed by the HTTP layer.
type Issuer interface {
	Login(ctx context.Context, credential Credential) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Logout(ctx context.Context, request LogoutRequest) error
}

// SessionIssuer orchestrates the provider, the user directory, and the session store.
// It holds no mutable state beyond its configuration.
type SessionIssuer struct {
	configuration  ServerConfig
	provider       IdentityProvider
	bearerStrategy Strategy
	users          UserDirectory
	sessions       SessionStore
	clock          Clock
	metrics        MetricsRecorder
}

// IssuerOption customizes a SessionIssuer.
type IssuerOption func(*SessionIssuer)

// WithClock overrides the clock used for token timestamps.
func WithClock(clock Clock) IssuerOption {
	return func(issuer *SessionIssuer) {
		if clock != nil {
			issuer.clock = clock
		}
	}
}

// WithMetrics records auth events.
func WithMetrics(metrics MetricsRecorder) IssuerOption {
	return func(issuer *SessionIssuer) {
		if metrics != nil {
			issuer.metrics = metrics
		}
	}
}

// NewSessionIssuer validates the configuration and wires the collaborators.
func NewSessionIssuer(configuration ServerConfig, provider IdentityProvider, users UserDirectory, sessions SessionStore, options ...IssuerOption) (*SessionIssuer, error) {
	if len(configuration.AppJWTSigningKey) == 0 {
		return nil, fmt.Errorf("auth.new_issuer: %w", errMissingSigningKey)
	}
	if strings.TrimSpace(configuration.AppJWTIssuer) == "" {
		return nil, fmt.Errorf("auth.new_issuer: %w", errMissingIssuer)
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("auth.new_issuer: %w", errInvalidTTL)
	}
	if provider == nil || users == nil || sessions == nil {
		return nil, fmt.Errorf("auth.new_issuer: %w", errMissingDependency)
	}
	issuer := &SessionIssuer{
		configuration:  configuration,
		provider:       provider,
		bearerStrategy: NewProviderTokenStrategy(provider),
		users:          users,
		sessions:       sessions,
		clock:          systemClock{},
		metrics:        noopMetrics{},
	}
	for _, option := range options {
		option(issuer)
	}
	return issuer, nil
}

// Login verifies the credential with the provider, reconciles the local user, and mints a token pair.
func (issuer *SessionIssuer) Login(ctx context.Context, credential Credential) (TokenPair, error) {
	pair, err := issuer.login(ctx, credential)
	if err != nil {
		issuer.metrics.Increment(metricLoginFailure)
		return TokenPair{}, err
	}
	issuer.metrics.Increment(metricLoginSuccess)
	return pair, nil
}

func (issuer *SessionIssuer) login(ctx context.Context, credential Credential) (TokenPair, error) {
	identity, err := issuer.resolveIdentity(ctx, credential)
	if err != nil {
		return TokenPair{}, err
	}
	user, err := issuer.users.FindOrCreate(ctx, identity)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidIdentity) {
			return TokenPair{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, err)
		}
		return TokenPair{}, fmt.Errorf("auth.login: %w", err)
	}
	return issuer.mintTokenPair(ctx, user)
}

func (issuer *SessionIssuer) resolveIdentity(ctx context.Context, credential Credential) (directory.Identity, error) {
	switch credential.Kind {
	case CredentialAuthorizationCode:
		if strings.TrimSpace(credential.Code) == "" {
			return directory.Identity{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, ErrMissingCredential)
		}
		redirectURI, ok := issuer.configuration.RedirectURIFor(credential.ClientType)
		if !ok {
			return directory.Identity{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, ErrUnknownClientType)
		}
		providerTokens, err := issuer.provider.ExchangeCode(ctx, credential.Code, redirectURI)
		if err != nil {
			return directory.Identity{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, err)
		}
		userInfo, err := issuer.provider.FetchUserInfo(ctx, providerTokens.AccessToken)
		if err != nil {
			return directory.Identity{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, err)
		}
		return identityFromUserInfo(userInfo), nil
	case CredentialBearerIDToken:
		principal, err := issuer.bearerStrategy.Validate(ctx, credential.IDToken)
		if err != nil {
			return directory.Identity{}, fmt.Errorf("auth.login: %w", err)
		}
		return directory.Identity{
			ID:              principal.UserID,
			Name:            principal.Name,
			Email:           principal.Email,
			StudentNumber:   principal.StudentNumber,
			ProfileImageURL: principal.Picture,
		}, nil
	default:
		return directory.Identity{}, fmt.Errorf("auth.login: %w: %v", ErrUnauthorized, ErrMissingCredential)
	}
}

// Refresh consumes the refresh token and mints a new pair. A token is usable at most once.
func (issuer *SessionIssuer) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := issuer.refresh(ctx, refreshToken)
	if err != nil {
		issuer.metrics.Increment(metricRefreshFailure)
		return TokenPair{}, err
	}
	issuer.metrics.Increment(metricRefreshSuccess)
	return pair, nil
}

func (issuer *SessionIssuer) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenPair{}, fmt.Errorf("auth.refresh: %w: %v", ErrUnauthorized, ErrEmptySessionKey)
	}
	userID, err := issuer.sessions.Consume(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return TokenPair{}, fmt.Errorf("auth.refresh: %w: %v", ErrUnauthorized, err)
		}
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", err)
	}
	user, err := issuer.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return TokenPair{}, fmt.Errorf("auth.refresh: %w: %v", ErrUnauthorized, err)
		}
		return TokenPair{}, fmt.Errorf("auth.refresh: %w", err)
	}
	return issuer.mintTokenPair(ctx, user)
}

// Logout drops the refresh session and best-effort revokes the provider token.
// An absent or expired refresh token is not an error.
func (issuer *SessionIssuer) Logout(ctx context.Context, request LogoutRequest) error {
	if strings.TrimSpace(request.RefreshToken) != "" {
		if err := issuer.sessions.Delete(ctx, request.RefreshToken); err != nil {
			return fmt.Errorf("auth.logout: %w", err)
		}
	}
	if strings.TrimSpace(request.ProviderToken) != "" {
		issuer.provider.Revoke(ctx, request.ProviderToken)
	}
	issuer.metrics.Increment(metricLogout)
	return nil
}

// mintTokenPair signs the access token before storing the refresh session.
// A soft-deleted user gets an access token only: it is enough to call
// /api/register, which restores the row, and no refresh session is stored
// that Refresh would later reject.
func (issuer *SessionIssuer) mintTokenPair(ctx context.Context, user directory.User) (TokenPair, error) {
	accessToken, accessExpiresAt, err := MintAccessToken(
		issuer.clock,
		user.ID,
		issuer.configuration.AppJWTIssuer,
		issuer.configuration.AppJWTAudience,
		issuer.configuration.AppJWTSigningKey,
		issuer.configuration.AccessTTL,
	)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth.mint: %w", err)
	}
	if user.Deleted() {
		return TokenPair{
			UserID:               user.ID,
			AccessToken:          accessToken,
			AccessExpiresAt:      accessExpiresAt,
			RegistrationRequired: true,
		}, nil
	}
	refreshToken, err := generateRefreshOpaque()
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth.mint: %w", err)
	}
	if err := issuer.sessions.Set(ctx, refreshToken, user.ID, issuer.configuration.RefreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("auth.mint: %w", err)
	}
	return TokenPair{
		UserID:               user.ID,
		AccessToken:          accessToken,
		AccessExpiresAt:      accessExpiresAt,
		RefreshToken:         refreshToken,
		RefreshExpiresAt:     issuer.clock.Now().UTC().Add(issuer.configuration.RefreshTTL),
		RegistrationRequired: !user.Consent,
	}, nil
}

func identityFromUserInfo(userInfo idp.UserInfo) directory.Identity {
	return directory.Identity{
		ID:              userInfo.ID,
		Name:            userInfo.Name,
		Email:           userInfo.Email,
		StudentNumber:   userInfo.StudentNumber,
		ProfileImageURL: userInfo.Picture,
	}
}
