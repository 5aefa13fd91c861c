package pubsub

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// NATSBus is the production Bus implementation.
type NATSBus struct {
	conn *nats.Conn
}

// Dial connects to the given NATS server URL (one URL or a comma-joined
// list) and returns a ready Bus.
func Dial(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, models.NewError("pubsub.Dial", models.KindConnection, err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return models.NewError("pubsub.Publish", models.KindConnection, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, models.NewError("pubsub.Subscribe", models.KindConnection, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

type natsSubscription struct{ sub *nats.Subscription }

func (s *natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
