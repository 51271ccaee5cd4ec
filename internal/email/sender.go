package email

import (
	"context"
	"fmt"

	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
)

// Sender delivers e-mail. Implementations: GmailSender, LogSender.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string // recipient email address
	Subject  string
	HTMLBody string
	TextBody string // plain-text fallback body
}

// NewSender builds the sender selected by cfg.Provider
func NewSender(ctx context.Context, cfg config.EmailConfig, log *logger.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", "log":
		return NewLogSender(log), nil
	case "gmail":
		return NewGmailSender(ctx, cfg.Gmail)
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
	}
}
