package domain

import (
	"context"
	"time"
)

// EventBus carries notifications between components, over Go channels on
// a single node or NATS across nodes.
type EventBus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic or a "prefix.>" pattern.
	// Every subscriber receives every message.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// GroupSubscriber is implemented by buses that can hand each message of a
// topic to a single member of a named group. Work consumers such as the
// retry worker join a group so that one node handles each pending event.
type GroupSubscriber interface {
	SubscribeGroup(ctx context.Context, topic, group string, handler MessageHandler) (Subscription, error)
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is one delivery. Payload is the encoded Notification.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
}

// Notification topics, published after each successful store mutation.
const (
	TopicEventRecorded       = "vigil.event.recorded"
	TopicEventPending        = "vigil.event.pending"
	TopicHistoriqueProjected = "vigil.historique.projected"
	TopicAlertCreated        = "vigil.alert.created"
	TopicAlertUpdated        = "vigil.alert.updated"
	TopicAlertQualified      = "vigil.alert.qualified"
	TopicRisqueUpdated       = "vigil.risque.updated"
	TopicCaseUpdated         = "vigil.case.updated"

	// TopicAll matches every notification topic.
	TopicAll = "vigil.>"
)

// AllTopics lists every notification topic, in pipeline order.
var AllTopics = []string{
	TopicEventRecorded,
	TopicEventPending,
	TopicHistoriqueProjected,
	TopicAlertCreated,
	TopicAlertUpdated,
	TopicAlertQualified,
	TopicRisqueUpdated,
	TopicCaseUpdated,
}

// Notification is the payload of every notification topic.
type Notification struct {
	Topic      string    `json:"topic"`
	EntityID   string    `json:"entityId"`
	EventID    string    `json:"eventId,omitempty"`
	AssureID   string    `json:"assureId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier publishes store-mutation notifications. Implementations must not
// fail the caller: delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
