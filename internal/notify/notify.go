// Package notify publishes store-mutation notifications on the event bus.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Publisher implements domain.Notifier over an EventBus.
// Publishing is best effort: failures are logged and never reach the caller.
type Publisher struct {
	bus domain.EventBus
	now func() time.Time
}

// NewPublisher creates a publisher. A nil bus yields a publisher that drops
// every notification.
func NewPublisher(bus domain.EventBus) *Publisher {
	return &Publisher{bus: bus, now: time.Now}
}

// Notify publishes n on n.Topic.
func (p *Publisher) Notify(ctx context.Context, n domain.Notification) {
	if p == nil || p.bus == nil {
		return
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = p.now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		slog.Warn("notification encode failed", "topic", n.Topic, "entity_id", n.EntityID, "error", err)
		return
	}
	// a cancelled request must not suppress the notification of a committed write
	if err := p.bus.Publish(context.WithoutCancel(ctx), n.Topic, payload); err != nil {
		slog.Warn("notification publish failed",
			"topic", n.Topic,
			"entity_id", n.EntityID,
			"error", err,
		)
	}
}

// Decode extracts the notification carried by a bus message.
func Decode(msg *domain.Message) (domain.Notification, error) {
	var n domain.Notification
	err := json.Unmarshal(msg.Payload, &n)
	return n, err
}

// Recorder is an in-memory Notifier that keeps every notification.
// Used by tests of components that publish.
type Recorder struct {
	ch chan domain.Notification
}

// NewRecorder creates a recorder buffering up to size notifications.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan domain.Notification, size)}
}

// Notify records n, dropping it when the buffer is full.
func (r *Recorder) Notify(ctx context.Context, n domain.Notification) {
	select {
	case r.ch <- n:
	default:
	}
}

// Drain returns every notification recorded so far.
func (r *Recorder) Drain() []domain.Notification {
	var out []domain.Notification
	for {
		select {
		case n := <-r.ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

// Topics returns the topics of Drain, in order.
func (r *Recorder) Topics() []string {
	var topics []string
	for _, n := range r.Drain() {
		topics = append(topics, n.Topic)
	}
	return topics
}

var (
	_ domain.Notifier = (*Publisher)(nil)
	_ domain.Notifier = (*Recorder)(nil)
)
