package service

import (
	"context"
	"sync"
	"time"

	"github.com/carevisit/carevisit/internal/email"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
)

const notifyTimeout = 15 * time.Second

// EmailNotifier sends security notices by e-mail in the background.
// Delivery failures are logged and never reach the caller.
type EmailNotifier struct {
	sender  email.Sender
	appName string
	log     *logger.Logger
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewEmailNotifier creates a new EmailNotifier
func NewEmailNotifier(sender email.Sender, appName string, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{
		sender:  sender,
		appName: appName,
		log:     log.WithComponent("notifier"),
		now:     time.Now,
	}
}

// DeviceEnrolled tells the user a device was activated for their account
func (n *EmailNotifier) DeviceEnrolled(ctx context.Context, user *model.User, session *model.DeviceSession) {
	notice := n.notice(user, session)
	n.send(ctx, "device_enrolled", email.Message{
		To:       user.Email,
		Subject:  email.NewDeviceSubject(n.appName),
		HTMLBody: email.NewDeviceHTML(notice),
		TextBody: email.NewDeviceText(notice),
	})
}

// ReplayDetected tells the user a device was revoked after a replayed
// refresh credential
func (n *EmailNotifier) ReplayDetected(ctx context.Context, user *model.User, session *model.DeviceSession) {
	notice := n.notice(user, session)
	n.send(ctx, "replay_detected", email.Message{
		To:       user.Email,
		Subject:  email.ReplaySubject(n.appName),
		HTMLBody: email.ReplayHTML(notice),
		TextBody: email.ReplayText(notice),
	})
}

// Wait blocks until queued notices are sent
func (n *EmailNotifier) Wait() {
	n.wg.Wait()
}

func (n *EmailNotifier) notice(user *model.User, session *model.DeviceSession) email.DeviceNotice {
	return email.DeviceNotice{
		AppName:    n.appName,
		FirstName:  user.FirstName,
		DeviceName: deref(session.DeviceName),
		At:         n.now(),
	}
}

func (n *EmailNotifier) send(ctx context.Context, kind string, msg email.Message) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := n.sender.Send(ctx, msg); err != nil {
			n.log.Warn().Err(err).Str("kind", kind).Msg("failed to send security notice")
		}
	}()
}
