package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/vigil/internal/domain"
)

// NATS header names. The message body is the notification JSON itself, so
// consumers outside Vigil can subscribe to "vigil.>" without an envelope.
const (
	headerMessageID   = "Vigil-Message-Id"
	headerPublishedAt = "Vigil-Published-At"
)

// NATSBus carries notifications over NATS core subjects. Topics are used as
// subjects directly.
type NATSBus struct {
	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS. The first connection is retried in the
// background like any later reconnect, so Vigil starts while NATS is still
// coming up and reports not ready until it connects.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("vigil"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.ConnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS connected", "url", nc.ConnectedUrl(), "server_id", nc.ConnectedServerId())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				slog.Error("NATS connection closed", "error", err)
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			if errors.Is(err, nats.ErrSlowConsumer) {
				slog.Warn("NATS slow consumer, notifications dropped", "subject", subject)
				return
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}, nil
}

// Publish sends payload on the topic subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(headerMessageID, uuid.New().String())
	msg.Header.Set(headerPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a subject or wildcard.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	natsSub, err := b.conn.Subscribe(topic, b.deliver(ctx, handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return b.track(ctx, topic, natsSub), nil
}

// SubscribeGroup joins the NATS queue group named group, so each message is
// delivered to one member across every node.
func (b *NATSBus) SubscribeGroup(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, errors.New("group name is required")
	}
	natsSub, err := b.conn.QueueSubscribe(topic, group, b.deliver(ctx, handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s/%s: %w", topic, group, err)
	}
	return b.track(ctx, topic, natsSub), nil
}

func (b *NATSBus) deliver(ctx context.Context, handler domain.MessageHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		msg := &domain.Message{
			ID:      m.Header.Get(headerMessageID),
			Topic:   m.Subject,
			Payload: m.Data,
		}
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if at, err := time.Parse(time.RFC3339Nano, m.Header.Get(headerPublishedAt)); err == nil {
			msg.PublishedAt = at
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("notification handler failed",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

func (b *NATSBus) track(ctx context.Context, topic string, natsSub *nats.Subscription) *natsSubscription {
	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: natsSub, bus: b}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	// tie the subscription to the caller's lifetime, as ChannelBus does
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = sub.Unsubscribe()
		}()
	}
	return sub
}

// Ping fails while the connection is down.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected (status %s)", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so pending notifications are flushed.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription. Calling it twice is harmless.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.subs[s.id]
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
