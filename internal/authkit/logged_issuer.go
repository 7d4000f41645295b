package authkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// LoggedIssuer wraps an Issuer and logs each call's outcome and latency.
type LoggedIssuer struct {
	next   Issuer
	logger *zap.Logger
}

// NewLoggedIssuer decorates next with structured logging.
func NewLoggedIssuer(next Issuer, logger *zap.Logger) *LoggedIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggedIssuer{next: next, logger: logger}
}

// Login logs and delegates.
func (issuer *LoggedIssuer) Login(ctx context.Context, credential Credential) (TokenPair, error) {
	startTime := time.Now()
	pair, err := issuer.next.Login(ctx, credential)
	issuer.log("auth.login", startTime, err, zap.String("user_id", pair.UserID), zap.Bool("registration_required", pair.RegistrationRequired))
	return pair, err
}

// Refresh logs and delegates.
func (issuer *LoggedIssuer) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	startTime := time.Now()
	pair, err := issuer.next.Refresh(ctx, refreshToken)
	issuer.log("auth.refresh", startTime, err, zap.String("user_id", pair.UserID))
	return pair, err
}

// Logout logs and delegates.
func (issuer *LoggedIssuer) Logout(ctx context.Context, request LogoutRequest) error {
	startTime := time.Now()
	err := issuer.next.Logout(ctx, request)
	issuer.log("auth.logout", startTime, err)
	return err
}

func (issuer *LoggedIssuer) log(operation string, startTime time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("code", operation), zap.Duration("elapsed", time.Since(startTime)))
	switch {
	case err == nil:
		issuer.logger.Info("auth operation succeeded", fields...)
	case errors.Is(err, ErrUnauthorized):
		issuer.logger.Warn("auth operation rejected", append(fields, zap.Error(err))...)
	default:
		issuer.logger.Error("auth operation failed", append(fields, zap.Error(err))...)
	}
}
