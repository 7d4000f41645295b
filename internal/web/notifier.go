package web

import (
	"context"

	"go.uber.org/zap"

	"github.com/bbunline/membership/internal/directory"
)

// LogNotifier records registrations and their matches in the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a notifier writing to logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyRegistered logs the member and the ids of its matches.
func (notifier *LogNotifier) NotifyRegistered(ctx context.Context, member directory.User, matches []directory.User) error {
	matchIDs := make([]string, 0, len(matches))
	for _, match := range matches {
		matchIDs = append(matchIDs, match.ID)
	}
	notifier.logger.Info("member registered",
		zap.String("code", "member.registered"),
		zap.String("user_id", member.ID),
		zap.Strings("match_ids", matchIDs))
	return nil
}
