package relay

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Format string

const (
	FormatGeneric Format = "generic"
	FormatZapier  Format = "zapier"
	FormatMake    Format = "make"
	FormatN8N     Format = "n8n"
)

// headers that a webhook config is never allowed to override
var dangerousHeaders = []string{
	"authorization",
	"cookie",
	"host",
	"content-length",
}

// WebhookConfig describes a single webhook endpoint
type WebhookConfig struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Format        Format            `json:"format"`
	Headers       map[string]string `json:"headers"`
	Timeout       time.Duration     `json:"timeout"`
	RetryAttempts int               `json:"retry_attempts"`
	Secret        string            `json:"secret"`
}

// Validate checks that the webhook config is safe to send to
func (w *WebhookConfig) Validate() error {
	if w.URL == "" {
		return fmt.Errorf("%w: missing url", ErrInvalidWebhookConfig)
	}

	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: bad url: %s", ErrInvalidWebhookConfig, w.URL)
	}

	for name := range w.Headers {
		for _, dh := range dangerousHeaders {
			if strings.EqualFold(name, dh) {
				return fmt.Errorf("%w: header not allowed: %s", ErrInvalidWebhookConfig, name)
			}
		}
	}

	if w.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidWebhookConfig)
	}

	if w.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry attempts must be at least 1", ErrInvalidWebhookConfig)
	}

	return nil
}
