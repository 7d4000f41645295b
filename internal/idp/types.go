// Package idp talks to the upstream OAuth2/OIDC identity provider.
package idp

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUpstreamAuth indicates the provider was unreachable, rejected the request, or answered with malformed data.
	ErrUpstreamAuth = errors.New("idp.upstream_auth")
	// ErrInvalidToken indicates a provider-issued token failed signature or claims verification.
	ErrInvalidToken = errors.New("idp.invalid_token")
	// ErrMissingArgument indicates a required request argument was empty.
	ErrMissingArgument = errors.New("idp.missing_argument")
)

// ProviderTokens is the result of an authorization code exchange.
type ProviderTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       time.Time
}

// UserInfo is the identity asserted by the provider's userinfo endpoint.
type UserInfo struct {
	ID            string `json:"uuid"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	StudentNumber string `json:"studentNumber"`
	Picture       string `json:"picture"`
}

// TokenPayload holds the claims of a verified provider ID token.
type TokenPayload struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	StudentID string `json:"student_id"`
	Picture   string `json:"picture"`
	jwt.RegisteredClaims
}

// UserInfo projects the token payload onto the userinfo shape.
func (payload TokenPayload) UserInfo() UserInfo {
	return UserInfo{
		ID:            payload.Subject,
		Name:          payload.Name,
		Email:         payload.Email,
		StudentNumber: payload.StudentID,
		Picture:       payload.Picture,
	}
}
