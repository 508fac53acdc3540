// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package notify

import (
	"context"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
)

// NATSPublisher publishes alerts to a NATS JetStream subject. The alert ID
// doubles as the Nats-Msg-Id so broker-side deduplication absorbs
// redeliveries.
type NATSPublisher struct {
	publisher message.Publisher
	subject   string
}

// NewNATSPublisher connects to the broker at url and prepares the
// JetStream publisher.
func NewNATSPublisher(cfg config.NATSConfig, url string) (*NATSPublisher, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	logging.Info().Str("url", url).Str("subject", cfg.Subject).Msg("NATS alert publisher ready")
	return &NATSPublisher{publisher: pub, subject: cfg.Subject}, nil
}

// PublishAlert serializes the alert and publishes it on the configured
// subject.
func (p *NATSPublisher) PublishAlert(ctx context.Context, a *models.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	msg := message.NewMessage(a.ID, payload)
	msg.Metadata.Set("kind", string(a.Kind))
	msg.Metadata.Set("device_id", a.DeviceID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.subject, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

// Close releases the broker connection.
func (p *NATSPublisher) Close() error {
	return p.publisher.Close()
}
