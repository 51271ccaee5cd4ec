package email

import (
	"context"

	"github.com/carevisit/carevisit/internal/logger"
)

// LogSender writes messages to the log instead of delivering them. Used in
// development and when no provider is configured.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a new LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email")}
}

// Send logs the recipient and subject. Bodies are not logged.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email not delivered, log provider")
	return nil
}
