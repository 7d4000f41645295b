package authkit

import (
	"context"
	"time"

	"github.com/bbunline/membership/internal/directory"
	"github.com/bbunline/membership/internal/idp"
)

// SessionStore maps opaque refresh tokens to user ids with a TTL.
// Misses, including expired entries, return ErrSessionNotFound.
type SessionStore interface {
	Set(ctx context.Context, key string, userID string, ttl time.Duration) error
	GetOrFail(ctx context.Context, key string) (userID string, err error)
	// Consume atomically returns and removes the entry; at most one caller observes a given key.
	Consume(ctx context.Context, key string) (userID string, err error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// UserDirectory reconciles provider identities with local user rows.
type UserDirectory interface {
	FindOrCreate(ctx context.Context, identity directory.Identity) (directory.User, error)
	FindByID(ctx context.Context, id string) (directory.User, error)
}

// IdentityProvider is the subset of the provider client the issuer depends on.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string, redirectURI string) (idp.ProviderTokens, error)
	FetchUserInfo(ctx context.Context, accessToken string) (idp.UserInfo, error)
	VerifySignedToken(ctx context.Context, token string) (idp.TokenPayload, error)
	Revoke(ctx context.Context, token string)
}
