package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chainhook/relay/pkg/relay"
	"github.com/getsentry/sentry-go"
)

const (
	defaultPollInterval = 1000 * time.Millisecond
	defaultConcurrency  = 10

	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = time.Hour
)

// DeliveryStore is the durable queue the processor drains. Backed by
// postgres, GetNextDelivery claims at most one due delivery per call.
type DeliveryStore interface {
	GetNextDelivery() (*relay.WebhookDelivery, error)
	UpdateDeliveryStatus(id string, status relay.DeliveryStatus, errMsg string) error
	IncrementAttempts(id string) error
	UpdateRetrySchedule(id string, nextRetry time.Time, attempts int, errMsg string) error
	GetQueueMetrics() (*relay.QueueMetrics, error)
}

// Deliverer executes one delivery attempt against the webhook endpoint
type Deliverer interface {
	Deliver(ctx context.Context, dl *relay.WebhookDelivery) (*relay.DeliveryResult, error)
}

// ConfigProvider is an optional fallback used to resolve webhook
// configs that are not in the processor's local cache.
type ConfigProvider interface {
	WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error)
}

// Stats is a point-in-time snapshot of the processor's counters
type Stats struct {
	Running          bool  `json:"running"`
	QueueSize        int64 `json:"queue_size"`
	Processed        int64 `json:"processed"`
	Succeeded        int64 `json:"succeeded"`
	Retried          int64 `json:"retried"`
	Failed           int64 `json:"failed"`
	ActiveDeliveries int64 `json:"active_deliveries"`
}

// Processor drains the delivery queue and drives the retry schedule
type Processor struct {
	store     DeliveryStore
	deliverer Deliverer

	pollInterval time.Duration
	concurrency  int

	mu       sync.Mutex
	configs  map[string]*relay.WebhookConfig
	provider ConfigProvider
	running  bool
	quit     chan struct{}
	done     chan struct{}

	statsMu   sync.Mutex
	processed int64
	succeeded int64
	retried   int64
	failed    int64
	active    int64

	metrics *Metrics
}

func NewProcessor(store DeliveryStore, deliverer Deliverer) *Processor {
	return &Processor{
		store:        store,
		deliverer:    deliverer,
		pollInterval: defaultPollInterval,
		concurrency:  defaultConcurrency,
		configs:      map[string]*relay.WebhookConfig{},
	}
}

// SetWebhookConfig registers or replaces a webhook config in the local cache
func (p *Processor) SetWebhookConfig(cfg *relay.WebhookConfig) error {
	err := cfg.Validate()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs[cfg.ID] = cfg

	return nil
}

// GetWebhookConfig returns a cached config or nil when unknown
func (p *Processor) GetWebhookConfig(id string) *relay.WebhookConfig {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.configs[id]
}

func (p *Processor) RemoveWebhookConfig(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.configs, id)
}

// SetWebhookConfigProvider installs a fallback resolver consulted when
// a delivery references a webhook id the cache does not know.
func (p *Processor) SetWebhookConfigProvider(provider ConfigProvider) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.provider = provider
}

// WebhookConfig resolves a webhook id, cache first, then the provider.
// Provider hits are cached for subsequent deliveries.
func (p *Processor) WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error) {
	p.mu.Lock()
	cfg := p.configs[id]
	provider := p.provider
	p.mu.Unlock()

	if cfg != nil {
		return cfg, nil
	}

	if provider == nil {
		return nil, nil
	}

	cfg, err := provider.WebhookConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	if cfg != nil {
		p.mu.Lock()
		p.configs[cfg.ID] = cfg
		p.mu.Unlock()
	}

	return cfg, nil
}

func (p *Processor) SetMetrics(m *Metrics) {
	p.metrics = m
}

// Start launches the polling loop. Starting a running processor is a
// no-op with a warning.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Default().Println("queue processor already running")
		return
	}
	p.running = true
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	quit := p.quit
	done := p.done
	p.mu.Unlock()

	go p.run(ctx, quit, done)
}

// Stop shuts the polling loop down and waits for in-flight deliveries.
// Stopping a stopped processor is a no-op with a warning.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		log.Default().Println("queue processor not running")
		return
	}
	p.running = false
	quit := p.quit
	done := p.done
	p.mu.Unlock()

	close(quit)
	<-done
}

func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

// Stats returns a snapshot of the processor counters. The queue size
// is the count of pending deliveries in the store.
func (p *Processor) Stats() Stats {
	var queueSize int64

	m, err := p.store.GetQueueMetrics()
	if err != nil {
		log.Default().Println("error fetching queue metrics: ", err)
		sentry.CaptureException(err)
	} else if m != nil {
		queueSize = m.Pending
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	return Stats{
		Running:          p.IsRunning(),
		QueueSize:        queueSize,
		Processed:        p.processed,
		Succeeded:        p.succeeded,
		Retried:          p.retried,
		Failed:           p.failed,
		ActiveDeliveries: p.active,
	}
}

func (p *Processor) run(ctx context.Context, quit, done chan struct{}) {
	defer close(done)

	sem := make(chan struct{}, p.concurrency)
	wg := sync.WaitGroup{}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			wg.Wait()
			return
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			// drain everything that is due, bounded by the semaphore
			for {
				select {
				case <-quit:
					wg.Wait()
					return
				default:
				}

				dl, err := p.store.GetNextDelivery()
				if err != nil {
					log.Default().Println("error fetching next delivery: ", err)
					sentry.CaptureException(err)
					break
				}
				if dl == nil {
					break
				}

				sem <- struct{}{}
				wg.Add(1)

				go func(dl *relay.WebhookDelivery) {
					defer wg.Done()
					defer func() { <-sem }()

					p.process(ctx, dl)
				}(dl)
			}
		}
	}
}

// process runs one attempt for a claimed delivery and applies the
// retry policy based on the result.
func (p *Processor) process(ctx context.Context, dl *relay.WebhookDelivery) {
	p.track(func() { p.active++ })
	defer p.track(func() { p.active-- })

	start := time.Now()

	result, err := p.deliverer.Deliver(ctx, dl)
	if err != nil {
		if errors.Is(err, relay.ErrConfigNotFound) || errors.Is(err, relay.ErrInvalidWebhookConfig) {
			// config errors cannot succeed on retry, fail now
			p.logFailure(dl, dl.Attempts+1, err.Error(), time.Since(start))
			p.fail(dl, err.Error())
			return
		}

		// anything else is transient, give it the normal retry treatment
		result = &relay.DeliveryResult{Success: false, Error: err.Error()}
	}

	p.track(func() { p.processed++ })
	if p.metrics != nil {
		p.metrics.ObserveDelivery(result.Success, time.Since(start))
	}

	if result.Success {
		err = p.store.IncrementAttempts(dl.ID)
		if err != nil {
			log.Default().Println("error incrementing attempts: ", dl.ID, err)
			sentry.CaptureException(err)
		}

		err = p.store.UpdateDeliveryStatus(dl.ID, relay.DeliveryStatusCompleted, "")
		if err != nil {
			log.Default().Println("error completing delivery: ", dl.ID, err)
			sentry.CaptureException(err)
		}

		p.track(func() { p.succeeded++ })
		return
	}

	attempts := dl.Attempts + 1

	p.logFailure(dl, attempts, result.Error, time.Since(start))

	if attempts >= dl.MaxAttempts {
		err = p.store.IncrementAttempts(dl.ID)
		if err != nil {
			log.Default().Println("error incrementing attempts: ", dl.ID, err)
			sentry.CaptureException(err)
		}

		p.fail(dl, result.Error)
		return
	}

	delay := retryDelay(attempts)
	err = p.store.UpdateRetrySchedule(dl.ID, time.Now().Add(delay), attempts, result.Error)
	if err != nil {
		log.Default().Println("error scheduling retry: ", dl.ID, err)
		sentry.CaptureException(err)
		return
	}

	p.track(func() { p.retried++ })
}

func (p *Processor) fail(dl *relay.WebhookDelivery, errMsg string) {
	err := p.store.UpdateDeliveryStatus(dl.ID, relay.DeliveryStatusFailed, errMsg)
	if err != nil {
		log.Default().Println("error failing delivery: ", dl.ID, err)
		sentry.CaptureException(err)
	}

	p.track(func() { p.failed++ })
	if p.metrics != nil {
		p.metrics.ObserveExhausted()
	}

	log.Default().Println("delivery failed permanently: ", dl.ID, errMsg)
}

// logFailure emits the full context of a failed attempt on one line
func (p *Processor) logFailure(dl *relay.WebhookDelivery, attempt int, errMsg string, took time.Duration) {
	log.Default().Println(
		"delivery attempt failed:",
		"deliveryId=", dl.ID,
		"webhookId=", dl.WebhookID,
		"attempt=", attempt,
		"maxAttempts=", dl.MaxAttempts,
		"error=", errMsg,
		"processingTime=", took,
	)
}

func (p *Processor) track(fn func()) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	fn()
}

// retryDelay doubles from the base with every attempt, capped at an hour
func retryDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}

	return delay
}
