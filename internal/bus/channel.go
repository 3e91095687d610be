package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus delivers notifications in process. Each subscription owns a
// buffered channel drained by its own goroutine. A full buffer drops the
// message for that subscription only, so a stalled SSE client never blocks
// the writer that committed the change.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string]*channelSubscription
	closed     bool
	now        func() time.Time
}

type channelSubscription struct {
	id      string
	topic   string
	group   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a bus whose subscriptions buffer bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string]*channelSubscription),
		now:        time.Now,
	}
}

// Publish hands the message to every plain subscription matching topic and
// to one member of each matching group.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := &domain.Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: b.now().UTC(),
	}

	served := make(map[string]bool)
	for _, sub := range b.subs {
		if !Match(sub.topic, topic) || sub.ctx.Err() != nil {
			continue
		}
		if sub.group != "" && served[sub.group] {
			continue
		}
		if sub.offer(msg) {
			if sub.group != "" {
				served[sub.group] = true
			}
			continue
		}
		if sub.group == "" {
			metrics.BusDropped(topic)
			slog.Warn("bus subscriber buffer full, message dropped",
				"topic", topic,
				"subscription", sub.id,
			)
		}
	}
	// every member of a group was full
	for group := range b.groupsFor(topic) {
		if !served[group] {
			metrics.BusDropped(topic)
			slog.Warn("bus group saturated, message dropped", "topic", topic, "group", group)
		}
	}
	return nil
}

func (b *ChannelBus) groupsFor(topic string) map[string]struct{} {
	groups := make(map[string]struct{})
	for _, sub := range b.subs {
		if sub.group != "" && Match(sub.topic, topic) && sub.ctx.Err() == nil {
			groups[sub.group] = struct{}{}
		}
	}
	return groups
}

// Subscribe registers a handler that receives every message on topic.
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// SubscribeGroup registers a handler that shares the messages on topic with
// the other members of group.
func (b *ChannelBus) SubscribeGroup(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, errors.New("group name is required")
	}
	return b.subscribe(ctx, topic, group, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		group:   group,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subs[sub.id] = sub

	go b.drain(sub)
	return sub, nil
}

func (b *ChannelBus) drain(sub *channelSubscription) {
	defer b.remove(sub.id)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.msgCh:
			if sub.ctx.Err() != nil {
				return
			}
			if err := sub.handler(sub.ctx, msg); err != nil {
				slog.Error("notification handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (b *ChannelBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription. Later publishes return ErrClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.cancel()
	}
	return nil
}

func (s *channelSubscription) offer(msg *domain.Message) bool {
	select {
	case s.msgCh <- msg:
		return true
	default:
		return false
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
