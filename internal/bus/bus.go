// Package bus moves Kestrel pipeline events over Go channels (community) or
// NATS (pro).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus closed")

// New creates the event bus selected by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type %q", domain.ErrInvalidInput, cfg.Type)
	}
}

// PublishEvent JSON-encodes event and publishes it on topic.
func PublishEvent(ctx context.Context, b domain.EventBus, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
}

// Match reports whether topic falls under pattern. "*" matches exactly one
// token; ">" as the last token matches one or more.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	want := strings.Split(pattern, ".")
	got := strings.Split(topic, ".")
	for i, tok := range want {
		if tok == ">" {
			return i == len(want)-1 && len(got) > i
		}
		if i >= len(got) || (tok != "*" && tok != got[i]) {
			return false
		}
	}
	return len(want) == len(got)
}
