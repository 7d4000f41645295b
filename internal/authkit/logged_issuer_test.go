package authkit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggedIssuerLevelsByOutcome(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "success", err: nil, level: zap.InfoLevel},
		{name: "unauthorized", err: fmt.Errorf("auth.refresh: %w", ErrUnauthorized), level: zap.WarnLevel},
		{name: "internal", err: errors.New("database unavailable"), level: zap.ErrorLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			issuer := NewLoggedIssuer(stubIssuer{err: testCase.err}, zap.New(core))

			_, err := issuer.Refresh(context.Background(), "token")
			if !errors.Is(err, testCase.err) {
				t.Fatalf("expected error to pass through, got %v", err)
			}
			entries := logs.FilterField(zap.String("code", "auth.refresh")).All()
			if len(entries) != 1 || entries[0].Level != testCase.level {
				t.Fatalf("expected one %s entry, got %#v", testCase.level, entries)
			}
		})
	}
}

func TestLoggedIssuerCoversAllOperations(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	issuer := NewLoggedIssuer(stubIssuer{}, zap.New(core))

	_, _ = issuer.Login(context.Background(), CodeCredential("abc", ClientTypeWeb))
	_, _ = issuer.Refresh(context.Background(), "token")
	_ = issuer.Logout(context.Background(), LogoutRequest{})

	for _, code := range []string{"auth.login", "auth.refresh", "auth.logout"} {
		if logs.FilterField(zap.String("code", code)).Len() != 1 {
			t.Fatalf("expected a log entry for %s", code)
		}
	}
}
