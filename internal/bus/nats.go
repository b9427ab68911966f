package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// queueGroup spreads work topics across Kestrel replicas.
const queueGroup = "kestrel-workers"

// workTopics are consumed by exactly one replica. Everything else, including
// wildcard audit subscriptions, fans out to every subscriber.
var workTopics = map[string]bool{
	domain.TopicEvaluationRequested: true,
	domain.TopicOutcomeConfirmed:    true,
}

// NATSBus is the pro tier event bus.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

type natsSubscription struct {
	pattern string
	sub     *nats.Subscription
	bus     *NATSBus
}

// NewNATSBus connects to NATS. If the server is not up yet the connection
// keeps retrying in the background and publishes are buffered.
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
	if wait == 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	slog.Info("nats bus ready", "url", url, "connected", conn.IsConnected())

	return &NATSBus{
		conn: conn,
		subs: make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish wraps payload in a message envelope and sends it on topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(newMessage(topic, payload))
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		if b.conn.IsClosed() {
			return ErrClosed
		}
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for pattern. Work topics join the shared queue
// group; handlers run with ctx.
func (b *NATSBus) Subscribe(ctx context.Context, pattern string, handler domain.MessageHandler) (domain.Subscription, error) {
	deliver := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping malformed nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("event handler failed",
				"topic", m.Subject,
				"pattern", pattern,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if workTopics[pattern] {
		sub, err = b.conn.QueueSubscribe(pattern, queueGroup, deliver)
	} else {
		sub, err = b.conn.Subscribe(pattern, deliver)
	}
	if err != nil {
		if b.conn.IsClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSubscription{pattern: pattern, sub: sub, bus: b}, nil
}

// Ping flushes the connection to confirm the server is reachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats status %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions so in-flight handlers finish, then closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.pattern
}
