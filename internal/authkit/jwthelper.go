package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bbunline/membership/pkg/sessionvalidator"
)

const notBeforeSkew = 30 * time.Second

var errEmptySubject = errors.New("subject must be non-empty")

// MintAccessToken creates a signed HS256 access token whose subject is the user id.
func MintAccessToken(clock Clock, userID string, issuer string, audience string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	if clock == nil {
		clock = systemClock{}
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	registered := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt.Add(-notBeforeSkew)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if strings.TrimSpace(audience) != "" {
		registered.Audience = jwt.ClaimStrings{audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{RegisteredClaims: registered})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}
