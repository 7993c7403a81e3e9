package relay

import (
	"errors"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusCompleted  DeliveryStatus = "completed"
	DeliveryStatusFailed     DeliveryStatus = "failed"
)

func DeliveryStatusFromString(s string) (DeliveryStatus, error) {
	switch s {
	case "pending":
		return DeliveryStatusPending, nil
	case "processing":
		return DeliveryStatusProcessing, nil
	case "completed":
		return DeliveryStatusCompleted, nil
	case "failed":
		return DeliveryStatusFailed, nil
	}

	return "", errors.New("unknown delivery status: " + s)
}

// WebhookDelivery is one attempt-tracked unit of work: send this
// formatted event to this webhook.
type WebhookDelivery struct {
	ID             string           `json:"id"`
	SubscriptionID string           `json:"subscription_id"`
	WebhookID      string           `json:"webhook_id"`
	Event          *BlockchainEvent `json:"event"`
	Payload        map[string]any   `json:"payload"`
	Status         DeliveryStatus   `json:"status"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	NextRetry      *time.Time       `json:"next_retry,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastAttempt    *time.Time       `json:"last_attempt,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// DeliveryResult is the outcome of a single send attempt
type DeliveryResult struct {
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
}

// DeliveryAttempt is a delivery-history record of one send attempt
type DeliveryAttempt struct {
	DeliveryID   string        `json:"delivery_id"`
	WebhookID    string        `json:"webhook_id"`
	Attempt      int           `json:"attempt"`
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	ResponseBody string        `json:"response_body,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// QueueMetrics is the per-status count of deliveries over a trailing window
type QueueMetrics struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
