package queue

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chainhook/relay/pkg/relay"
)

type memStore struct {
	mu          sync.Mutex
	dl          *relay.WebhookDelivery
	rescheduled int
	afterFailed int
}

func newMemStore(maxAttempts int) *memStore {
	return &memStore{
		dl: &relay.WebhookDelivery{
			ID:          "dl-1",
			WebhookID:   "wh-1",
			Event:       &relay.BlockchainEvent{EventName: "Transfer"},
			Payload:     map[string]any{"event": "Transfer"},
			Status:      relay.DeliveryStatusPending,
			MaxAttempts: maxAttempts,
		},
	}
}

func (s *memStore) GetNextDelivery() (*relay.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dl.Status != relay.DeliveryStatusPending {
		return nil, nil
	}

	s.dl.Status = relay.DeliveryStatusProcessing
	clone := *s.dl
	return &clone, nil
}

func (s *memStore) UpdateDeliveryStatus(id string, status relay.DeliveryStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dl.Status = status
	s.dl.ErrorMessage = errMsg
	return nil
}

func (s *memStore) IncrementAttempts(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dl.Attempts < s.dl.MaxAttempts {
		s.dl.Attempts++
	}
	return nil
}

func (s *memStore) UpdateRetrySchedule(id string, nextRetry time.Time, attempts int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dl.Status == relay.DeliveryStatusFailed {
		s.afterFailed++
		return nil
	}

	s.dl.Status = relay.DeliveryStatusPending
	s.dl.Attempts = attempts
	s.dl.NextRetry = &nextRetry
	s.dl.ErrorMessage = errMsg
	s.rescheduled++
	return nil
}

func (s *memStore) GetQueueMetrics() (*relay.QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &relay.QueueMetrics{}
	switch s.dl.Status {
	case relay.DeliveryStatusPending:
		m.Pending = 1
	case relay.DeliveryStatusProcessing:
		m.Processing = 1
	case relay.DeliveryStatusCompleted:
		m.Completed = 1
	case relay.DeliveryStatusFailed:
		m.Failed = 1
	}

	return m, nil
}

func (s *memStore) snapshot() relay.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.dl
}

type scriptedDeliverer struct {
	mu    sync.Mutex
	codes []int
	calls int
	err   error
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, dl *relay.WebhookDelivery) (*relay.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	code := d.codes[len(d.codes)-1]
	if d.calls < len(d.codes) {
		code = d.codes[d.calls]
	}
	d.calls++

	result := &relay.DeliveryResult{
		Success:    code >= 200 && code < 300,
		StatusCode: code,
	}
	if !result.Success {
		result.Error = "unexpected status: 502"
	}

	return result, nil
}

func drain(t *testing.T, p *Processor, store *memStore) {
	t.Helper()

	for i := 0; i < 10; i++ {
		dl, err := store.GetNextDelivery()
		if err != nil {
			t.Fatal(err)
		}
		if dl == nil {
			return
		}

		p.process(context.Background(), dl)
	}

	t.Fatal("delivery never reached a terminal state")
}

func TestProcessCompletesAfterRetries(t *testing.T) {
	store := newMemStore(3)
	deliverer := &scriptedDeliverer{codes: []int{500, 500, 200}}

	p := NewProcessor(store, deliverer)

	drain(t, p, store)

	dl := store.snapshot()
	if dl.Status != relay.DeliveryStatusCompleted {
		t.Errorf("status = %s, want completed", dl.Status)
	}
	if dl.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", dl.Attempts)
	}
	if store.rescheduled != 2 {
		t.Errorf("rescheduled = %d, want 2", store.rescheduled)
	}

	stats := p.Stats()
	if stats.Succeeded != 1 || stats.Retried != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessExhaustedRetriesFailPermanently(t *testing.T) {
	store := newMemStore(2)
	deliverer := &scriptedDeliverer{codes: []int{500}}

	p := NewProcessor(store, deliverer)

	drain(t, p, store)

	dl := store.snapshot()
	if dl.Status != relay.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", dl.Status)
	}
	if dl.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", dl.Attempts)
	}
	if deliverer.calls != 2 {
		t.Errorf("deliverer calls = %d, want 2", deliverer.calls)
	}
	if store.afterFailed != 0 {
		t.Error("failed delivery must never be rescheduled")
	}
}

func TestProcessConfigErrorFailsWithoutRetry(t *testing.T) {
	store := newMemStore(3)
	deliverer := &scriptedDeliverer{err: relay.ErrConfigNotFound}

	p := NewProcessor(store, deliverer)

	drain(t, p, store)

	dl := store.snapshot()
	if dl.Status != relay.DeliveryStatusFailed {
		t.Errorf("status = %s, want failed", dl.Status)
	}
	if store.rescheduled != 0 {
		t.Error("config errors should not be retried")
	}
}

func TestProcessTransientDelivererErrorIsRetried(t *testing.T) {
	store := newMemStore(3)
	deliverer := &scriptedDeliverer{err: errors.New("config store unavailable")}

	p := NewProcessor(store, deliverer)

	dl, err := store.GetNextDelivery()
	if err != nil {
		t.Fatal(err)
	}

	p.process(context.Background(), dl)

	snap := store.snapshot()
	if snap.Status != relay.DeliveryStatusPending {
		t.Errorf("status = %s, want pending", snap.Status)
	}
	if store.rescheduled != 1 {
		t.Errorf("rescheduled = %d, want 1", store.rescheduled)
	}
	if snap.ErrorMessage != "config store unavailable" {
		t.Errorf("error message = %q", snap.ErrorMessage)
	}
}

func TestFailedAttemptLogsContext(t *testing.T) {
	var buf bytes.Buffer
	log.Default().SetOutput(&buf)
	defer log.Default().SetOutput(os.Stderr)

	store := newMemStore(3)
	p := NewProcessor(store, &scriptedDeliverer{codes: []int{500}})

	dl, err := store.GetNextDelivery()
	if err != nil {
		t.Fatal(err)
	}

	p.process(context.Background(), dl)

	out := buf.String()
	for _, field := range []string{"deliveryId=", "webhookId=", "attempt=", "maxAttempts=", "error=", "processingTime="} {
		if !strings.Contains(out, field) {
			t.Errorf("failure log missing %s: %s", field, out)
		}
	}
}

func TestStatsReportsQueueSize(t *testing.T) {
	store := newMemStore(3)
	p := NewProcessor(store, &scriptedDeliverer{codes: []int{200}})

	if got := p.Stats().QueueSize; got != 1 {
		t.Errorf("queue size = %d, want 1", got)
	}

	drain(t, p, store)

	if got := p.Stats().QueueSize; got != 0 {
		t.Errorf("queue size after drain = %d, want 0", got)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{20, time.Hour},
	}

	for _, c := range cases {
		if got := retryDelay(c.attempts); got != c.want {
			t.Errorf("retryDelay(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	store := newMemStore(1)
	store.dl.Status = relay.DeliveryStatusCompleted

	p := NewProcessor(store, &scriptedDeliverer{codes: []int{200}})
	p.pollInterval = 10 * time.Millisecond

	p.Start(context.Background())
	p.Start(context.Background()) // no-op

	if !p.IsRunning() {
		t.Error("processor should be running")
	}

	p.Stop()
	p.Stop() // no-op

	if p.IsRunning() {
		t.Error("processor should be stopped")
	}
}

func TestWebhookConfigCache(t *testing.T) {
	p := NewProcessor(newMemStore(1), &scriptedDeliverer{codes: []int{200}})

	cfg := &relay.WebhookConfig{
		ID:            "wh-1",
		URL:           "https://hooks.example.com/abc",
		Format:        relay.FormatGeneric,
		Timeout:       time.Second,
		RetryAttempts: 3,
	}

	if err := p.SetWebhookConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if p.GetWebhookConfig("wh-1") != cfg {
		t.Error("config not cached")
	}

	got, err := p.WebhookConfig(context.Background(), "wh-1")
	if err != nil || got != cfg {
		t.Errorf("WebhookConfig() = %v, %v", got, err)
	}

	p.RemoveWebhookConfig("wh-1")
	if p.GetWebhookConfig("wh-1") != nil {
		t.Error("config not removed")
	}

	bad := &relay.WebhookConfig{ID: "wh-2", URL: "not a url"}
	if err := p.SetWebhookConfig(bad); err == nil {
		t.Error("invalid config should be rejected")
	}
}

type staticProvider struct {
	cfg   *relay.WebhookConfig
	calls int
}

func (s *staticProvider) WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error) {
	s.calls++
	if s.cfg != nil && s.cfg.ID == id {
		return s.cfg, nil
	}
	return nil, errors.New("unknown webhook")
}

func TestWebhookConfigProviderFallback(t *testing.T) {
	p := NewProcessor(newMemStore(1), &scriptedDeliverer{codes: []int{200}})

	provider := &staticProvider{cfg: &relay.WebhookConfig{
		ID:            "wh-9",
		URL:           "https://hooks.example.com/xyz",
		Timeout:       time.Second,
		RetryAttempts: 1,
	}}

	p.SetWebhookConfigProvider(provider)

	got, err := p.WebhookConfig(context.Background(), "wh-9")
	if err != nil || got == nil {
		t.Fatalf("WebhookConfig() = %v, %v", got, err)
	}

	// second lookup is served from the cache
	if _, err := p.WebhookConfig(context.Background(), "wh-9"); err != nil {
		t.Fatal(err)
	}

	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
}
