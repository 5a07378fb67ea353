package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Bus topics.
const (
	// TopicTrainRequest carries TrainRequest payloads to the training worker.
	TopicTrainRequest = "risk.train.request"

	// TopicTrainCompleted carries TrainCompleted payloads after registration.
	TopicTrainCompleted = "risk.train.completed"

	// TopicRiskAlert carries AlertEvent payloads when a customer enters the
	// High band. Delivery is best-effort and never blocks the lifecycle.
	TopicRiskAlert = "risk.alert"

	// TopicScoreRecorded carries RiskScore payloads after every scoring event.
	TopicScoreRecorded = "risk.score.recorded"
)

// AlertEvent is the payload published on TopicRiskAlert.
type AlertEvent struct {
	TenantID   string  `json:"tenantId"`
	CustomerID string  `json:"customerId"`
	Contact    string  `json:"contact,omitempty"`
	RiskBand   string  `json:"riskBand"`
	PriorBand  string  `json:"priorBand,omitempty"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
}
