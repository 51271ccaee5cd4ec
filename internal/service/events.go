package service

import (
	"context"
	"encoding/json"

	"github.com/carevisit/carevisit/internal/database"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
)

// RevokedChannel carries model.RevokedSession JSON for every revocation
const RevokedChannel = "carevisit:device_sessions:revoked"

// RevocationBus publishes and subscribes to device session revocations over
// Redis pub/sub
type RevocationBus struct {
	rdb *database.Redis
	log *logger.Logger
}

// NewRevocationBus creates a new RevocationBus
func NewRevocationBus(rdb *database.Redis, log *logger.Logger) *RevocationBus {
	return &RevocationBus{rdb: rdb, log: log.WithComponent("revocation_bus")}
}

// PublishRevoked publishes an event. Delivery is best effort.
func (b *RevocationBus) PublishRevoked(ctx context.Context, revoked model.RevokedSession) {
	data, err := json.Marshal(revoked)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to marshal revocation event")
		return
	}
	if err := b.rdb.Publish(context.WithoutCancel(ctx), RevokedChannel, string(data)); err != nil {
		b.log.Error().Err(err).Str("device_session_id", revoked.ID).Msg("failed to publish revocation event")
		return
	}
	b.log.Debug().Str("device_session_id", revoked.ID).Str("reason", string(revoked.Reason)).Msg("revocation event published")
}

// SubscribeRevocations returns a channel of revocation events and a cleanup
// function that closes the subscription
func (b *RevocationBus) SubscribeRevocations(ctx context.Context) (<-chan model.RevokedSession, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, RevokedChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	events := make(chan model.RevokedSession, 100)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev model.RevokedSession
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Error().Err(err).Msg("failed to unmarshal revocation event")
				continue
			}
			select {
			case events <- ev:
			default:
				b.log.Warn().Msg("revocation event channel full, dropping event")
			}
		}
	}()

	return events, func() { _ = pubsub.Close() }, nil
}
