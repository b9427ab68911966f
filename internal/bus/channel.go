package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus is the in-process event bus. Every subscription gets its own
// buffered channel and goroutine, so a slow case auditor cannot stall the
// evaluation worker.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       map[string]*channelSubscription
	closed     bool
}

type channelSubscription struct {
	id      string
	pattern string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus with the given per-subscriber buffer.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		subs:       make(map[string]*channelSubscription),
	}
}

// Publish delivers a message to every subscription whose pattern matches
// topic. A full inbox blocks until there is room or ctx ends.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*channelSubscription
	for _, sub := range b.subs {
		if Match(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	msg := newMessage(topic, payload)
	for _, sub := range targets {
		select {
		case sub.inbox <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for every topic matching pattern.
func (b *ChannelBus) Subscribe(ctx context.Context, pattern string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"pattern", s.pattern,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
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

// Close stops every subscription. Undelivered messages are dropped.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.cancel()
		delete(b.subs, id)
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *ChannelBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.pattern
}
