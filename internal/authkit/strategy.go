package authkit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bbunline/membership/pkg/sessionvalidator"
)

const principalContextKey = "auth_principal"

// Principal is the authenticated caller produced by a Strategy.
type Principal struct {
	UserID        string
	Name          string
	Email         string
	StudentNumber string
	Picture       string
}

// Strategy validates a bearer credential. Routes pick a strategy statically.
type Strategy interface {
	Validate(ctx context.Context, credential string) (Principal, error)
}

// ProviderTokenStrategy accepts ID tokens signed by the identity provider.
type ProviderTokenStrategy struct {
	provider IdentityProvider
}

// NewProviderTokenStrategy constructs a strategy backed by the provider's key.
func NewProviderTokenStrategy(provider IdentityProvider) *ProviderTokenStrategy {
	return &ProviderTokenStrategy{provider: provider}
}

// Validate verifies the provider signature and claims.
func (strategy *ProviderTokenStrategy) Validate(ctx context.Context, credential string) (Principal, error) {
	payload, err := strategy.provider.VerifySignedToken(ctx, credential)
	if err != nil {
		return Principal{}, fmt.Errorf("auth.strategy.provider: %w: %v", ErrUnauthorized, err)
	}
	userInfo := payload.UserInfo()
	return Principal{
		UserID:        userInfo.ID,
		Name:          userInfo.Name,
		Email:         userInfo.Email,
		StudentNumber: userInfo.StudentNumber,
		Picture:       userInfo.Picture,
	}, nil
}

// LocalJWTStrategy accepts access tokens minted by this service.
type LocalJWTStrategy struct {
	validator *sessionvalidator.Validator
}

// NewLocalJWTStrategy builds a strategy from the issuer configuration.
func NewLocalJWTStrategy(configuration ServerConfig, clock Clock) (*LocalJWTStrategy, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		Audience:   configuration.AppJWTAudience,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("auth.strategy.local: %w", err)
	}
	return &LocalJWTStrategy{validator: validator}, nil
}

// Validate checks the HS256 signature, issuer, audience, and expiry.
func (strategy *LocalJWTStrategy) Validate(ctx context.Context, credential string) (Principal, error) {
	claims, err := strategy.validator.ValidateToken(credential)
	if err != nil {
		return Principal{}, fmt.Errorf("auth.strategy.local: %w: %v", ErrUnauthorized, err)
	}
	return Principal{UserID: claims.GetUserID()}, nil
}

// RequireStrategy guards a route with the bearer credential from the Authorization header.
func RequireStrategy(strategy Strategy) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		credential, ok := sessionvalidator.BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		principal, err := strategy.Validate(contextGin.Request.Context(), credential)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(principalContextKey, principal)
		contextGin.Next()
	}
}

// PrincipalFromContext returns the principal stored by RequireStrategy.
func PrincipalFromContext(contextGin *gin.Context) (Principal, bool) {
	value, exists := contextGin.Get(principalContextKey)
	if !exists {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}
