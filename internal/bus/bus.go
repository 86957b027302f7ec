// Package bus wraps the message transport the orchestrator and its workers
// share. Delivery is at-least-once: handlers must be idempotent, a handler
// error requeues the message, and messages that exhaust their delivery budget
// land on a per-topic dead-letter stream.
package bus

import (
	"context"

	"mediaforge/internal/models"
)

// Logical topics. Notification topics are user-chosen and not listed here.
const (
	TopicTranscodeTasks   = "transcode.tasks"
	TopicTranscodeResults = "transcode.results"
	TopicFaceTasks        = "face.tasks"
	TopicFaceResults      = "face.results"
	TopicSubmissions      = "transcode.submissions"
)

// DeadLetterSuffix is appended to a topic to name its dead-letter stream.
const DeadLetterSuffix = ".dlq"

// Message is one delivery handed to a subscription handler.
type Message struct {
	ID         string
	Payload    []byte
	Deliveries int
}

// Handler processes one delivery. A nil return acks the message; an error
// requeues it until the delivery budget runs out.
type Handler func(ctx context.Context, msg Message) error

// SubscriptionConfig describes one consumer-group subscription.
type SubscriptionConfig struct {
	Topic string
	Group string
	// MaxInFlight bounds concurrently running handlers. Defaults to 8.
	MaxInFlight int
	// MaxDeliveries is the per-message delivery budget before the message
	// moves to the dead-letter stream. Defaults to 5.
	MaxDeliveries int
	Handler       Handler
	// DeadLetter, when set, observes messages that exhausted their budget.
	DeadLetter func(ctx context.Context, msg Message)
}

// Subscription is an active consumer. Close stops pulling; in-flight messages
// are requeued rather than lost.
type Subscription interface {
	Close()
}

// Publisher is the write half of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is the full transport contract.
type Bus interface {
	Publisher
	Subscribe(cfg SubscriptionConfig) (Subscription, error)
	Close() error
}

// TranscodeTask is the fan-out envelope for one profile of one task.
type TranscodeTask struct {
	TaskID       string              `json:"task_id"`
	ProfileID    string              `json:"profile_id"`
	Source       string              `json:"source"`
	Profile      models.Profile      `json:"profile"`
	OutputLayout models.OutputLayout `json:"output_layout"`
	Attempt      int                 `json:"attempt"`
}

// FaceTask is the fan-out envelope for the face-detection stage of one task.
type FaceTask struct {
	TaskID             string              `json:"task_id"`
	Source             string              `json:"source"`
	Config             models.FaceConfig   `json:"config"`
	AvatarOutputLayout models.OutputLayout `json:"avatar_output_layout"`
	Attempt            int                 `json:"attempt"`
}
