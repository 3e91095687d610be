// Package bus carries store-mutation notifications between components,
// in process over channels or across nodes over NATS.
package bus

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/vigil/internal/domain"
)

// New creates a new event bus based on configuration.
// "channel" returns a ChannelBus for single-node deployments, "nats" a NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Match reports whether topic is selected by pattern. A pattern ending in
// ".>" matches every topic below that prefix, as NATS subjects do.
func Match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
	}
	return pattern == topic
}
