package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chainhook/relay/pkg/relay"
	"github.com/google/uuid"
)

const (
	userAgent = "chainhook-relay/1.0"

	// response bodies are kept for diagnostics only, not stored whole
	maxResponseBody = 512
)

// ConfigResolver resolves a webhook id to its config. The default
// implementation is the queue processor's in-memory cache backed by an
// optional async provider.
type ConfigResolver interface {
	WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error)
}

// History records send attempts; every attempt is recorded, success or not
type History interface {
	AddAttempt(a *relay.DeliveryAttempt) error
}

// Sender executes a single delivery attempt
type Sender struct {
	resolver ConfigResolver
	history  History
	client   *http.Client
}

func NewSender(resolver ConfigResolver, history History) *Sender {
	return &Sender{
		resolver: resolver,
		history:  history,
		client:   &http.Client{},
	}
}

// SetResolver installs the config resolver after construction. The
// resolver and the queue processor reference each other, one of them
// has to be bound late.
func (s *Sender) SetResolver(resolver ConfigResolver) {
	s.resolver = resolver
}

// Deliver resolves and validates the webhook config, then POSTs the
// delivery payload. Config failures return an error without any network
// call. Transport failures never return an error; they are reported in
// the DeliveryResult so the caller can apply its retry policy.
func (s *Sender) Deliver(ctx context.Context, dl *relay.WebhookDelivery) (*relay.DeliveryResult, error) {
	if s.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver", relay.ErrConfigNotFound)
	}

	cfg, err := s.resolver.WebhookConfig(ctx, dl.WebhookID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", relay.ErrConfigNotFound, dl.WebhookID)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(dl.Payload)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", Sign(body, cfg.Secret))
	req.Header.Set("X-Webhook-Event", dl.Event.EventName)
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	for name, value := range cfg.Headers {
		req.Header.Set(name, value)
	}

	start := time.Now()

	resp, err := s.client.Do(req)
	if err != nil {
		result := &relay.DeliveryResult{
			Success:      false,
			ResponseTime: time.Since(start),
			Error:        err.Error(),
		}
		s.recordAttempt(dl, result)
		return result, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	result := &relay.DeliveryResult{
		Success:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseTime: time.Since(start),
		ResponseBody: string(respBody),
	}
	if !result.Success {
		result.Error = fmt.Sprintf("unexpected status: %d", resp.StatusCode)
	}

	s.recordAttempt(dl, result)

	return result, nil
}

// recordAttempt writes the attempt to the delivery history. History
// failures are logged, they must not fail the delivery itself.
func (s *Sender) recordAttempt(dl *relay.WebhookDelivery, result *relay.DeliveryResult) {
	if s.history == nil {
		return
	}

	err := s.history.AddAttempt(&relay.DeliveryAttempt{
		DeliveryID:   dl.ID,
		WebhookID:    dl.WebhookID,
		Attempt:      dl.Attempts + 1,
		Success:      result.Success,
		StatusCode:   result.StatusCode,
		ResponseTime: result.ResponseTime,
		ResponseBody: result.ResponseBody,
		Error:        result.Error,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		log.Default().Println("error recording delivery attempt: ", dl.ID, err)
	}
}
