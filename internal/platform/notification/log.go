package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes messages to the log instead of delivering them. It is
// the backend when no Redis server is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notification").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, msg Message) error {
	if !msg.Target.Valid() {
		return ErrInvalidTarget
	}
	l.logger.Info().
		Str("notification_id", msg.ID).
		Str("target", msg.Target.String()).
		Str("event", string(msg.Event)).
		Str("subject", msg.Subject).
		Msg("notification")
	return nil
}
