package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/logger"
)

// NATSConfig holds the subset of NATS connection settings the Sentinel
// event bus needs; it mirrors the teacher's common/config.NATSConfig
// shape but lives in this package so bus has no dependency on the
// daemon's ambient config package.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NATSEventBus implements EventBus over a NATS connection, letting
// multiple sentineld processes (or an external dashboard) share one
// event stream instead of each daemon only seeing its own in-process
// events via MemoryEventBus.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config NATSConfig
}

// natsSubscription adapts a *nats.Subscription to the Subscription
// interface MemoryEventBus's subscriptions also satisfy, so callers
// (events.BusPublisher, the WebSocket stream) don't care which EventBus
// they were handed.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}

// NewNATSEventBus dials cfg.URL and wires connection-lifecycle logging,
// matching the resilience the teacher expects from a shared broker a
// daemon restart shouldn't need to babysit.
func NewNATSEventBus(cfg NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	b.conn = conn
	log.Info("connected to NATS event bus", zap.String("url", cfg.URL))
	return b, nil
}

// Publish marshals event as JSON and publishes it to subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("kind", event.Kind),
			zap.Error(err))
		return fmt.Errorf("publishing event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind))
	return nil
}

// Subscribe creates a NATS subscription to subject, unmarshaling each
// message back into an Event before handing it to handler.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed to subject", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) createMsgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}

		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("kind", event.Kind),
				zap.Error(err))
		}
	}
}

// Close drains in-flight messages before closing the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS event bus closed")
}

// IsConnected reports whether the underlying NATS connection is up.
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
