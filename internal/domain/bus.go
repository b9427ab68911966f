package domain

import (
	"context"
	"time"
)

// EventBus carries pipeline events between Kestrel components. Topics are
// dot-separated; subscriptions may use "*" for one token and a trailing ">"
// for the rest, so "kestrel.case.>" sees every case transition.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around every published event.
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	// Topic returns the subscribed pattern.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the decision pipeline.
const (
	TopicAllCases = "kestrel.case.>"

	TopicEvaluationRequested = "kestrel.evaluation.requested"
	TopicScoreEvaluated      = "kestrel.score.evaluated"
	TopicScoreOverridden     = "kestrel.score.overridden"
	TopicOutcomeConfirmed    = "kestrel.outcome.confirmed"
	TopicCaseOpened          = "kestrel.case.opened"
	TopicCaseUpdated         = "kestrel.case.updated"
	TopicCaseResolved        = "kestrel.case.resolved"
	TopicCaseClosed          = "kestrel.case.closed"
)

// EvaluationRequest is the payload of an asynchronous evaluation.
type EvaluationRequest struct {
	Entity    EntityRef `json:"entity"`
	Context   Context   `json:"context"`
	ScoreType ScoreType `json:"scoreType,omitempty"`
	ML        *MLSignal `json:"ml,omitempty"`
}

// OutcomeEvent is published when a score's outcome is confirmed.
type OutcomeEvent struct {
	ScoreID   string   `json:"scoreId"`
	Outcome   Outcome  `json:"outcome"`
	RuleCodes []string `json:"ruleCodes"`
	By        string   `json:"by"`
}

// CaseEvent is published on every case transition.
type CaseEvent struct {
	CaseID     string     `json:"caseId"`
	CaseNumber string     `json:"caseNumber"`
	Status     CaseStatus `json:"status"`
	Operation  string     `json:"operation"`
	By         string     `json:"by,omitempty"`
}
