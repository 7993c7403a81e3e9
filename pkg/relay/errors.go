package relay

import "errors"

var (
	// ErrMissingWSURL is returned by connect when no websocket url is configured
	ErrMissingWSURL = errors.New("no websocket url configured")

	// ErrConnectionTimeout is returned when the node does not become ready in time
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrNotConnected is returned when an operation requires a live connection
	ErrNotConnected = errors.New("not connected")

	// ErrConfigNotFound is returned when a delivery references an unknown webhook
	ErrConfigNotFound = errors.New("webhook config not found")

	// ErrInvalidWebhookConfig is returned when a webhook config fails validation
	ErrInvalidWebhookConfig = errors.New("invalid webhook config")
)
