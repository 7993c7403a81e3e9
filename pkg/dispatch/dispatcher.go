package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chainhook/relay/pkg/filter"
	"github.com/chainhook/relay/pkg/format"
	"github.com/chainhook/relay/pkg/listen"
	"github.com/chainhook/relay/pkg/relay"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// DeliveryWriter persists new deliveries into the durable queue
type DeliveryWriter interface {
	SaveDelivery(dl *relay.WebhookDelivery) error
}

// ConfigResolver resolves webhook ids referenced by subscriptions
type ConfigResolver interface {
	WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error)
}

// Dispatcher consumes decoded events from the listener, applies each
// subscription's filter rules and enqueues one delivery per webhook.
type Dispatcher struct {
	listener *listen.Listener
	writer   DeliveryWriter
	resolver ConfigResolver

	mu   sync.Mutex
	subs map[string]*relay.EventSubscription

	started bool
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewDispatcher(listener *listen.Listener, writer DeliveryWriter, resolver ConfigResolver) *Dispatcher {
	return &Dispatcher{
		listener: listener,
		writer:   writer,
		resolver: resolver,
		subs:     map[string]*relay.EventSubscription{},
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddSubscription validates the filters and registers the subscription
// with both the dispatcher and the listener.
func (d *Dispatcher) AddSubscription(sub *relay.EventSubscription) error {
	err := filter.Validate(sub.Filters)
	if err != nil {
		return err
	}

	err = d.listener.AddSubscription(*sub)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.mu.Unlock()

	return nil
}

func (d *Dispatcher) RemoveSubscription(id string) {
	d.listener.RemoveSubscription(id)

	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

func (d *Dispatcher) subscription(id string) *relay.EventSubscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.subs[id]
}

// Start consumes the listener channels until Stop or context cancel
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run(ctx)
}

// Stop signals the consumer loop and waits for it. Stopping a
// dispatcher that never started returns immediately.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()

	d.once.Do(func() {
		close(d.quit)
	})

	if started {
		<-d.done
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-d.quit:
			return
		case <-ctx.Done():
			return
		case ev := <-d.listener.Events():
			d.handle(ctx, ev)
		case serr := <-d.listener.SubscriptionErrors():
			log.Default().Println("subscription error: ", serr.SubscriptionID, serr.Err)
			sentry.CaptureException(serr.Err)
		case err := <-d.listener.EventErrors():
			log.Default().Println("event decode error: ", err)
		}
	}
}

// handle fans one decoded event out to every webhook of its subscription
func (d *Dispatcher) handle(ctx context.Context, ev listen.SubscriptionEvent) {
	sub := d.subscription(ev.SubscriptionID)
	if sub == nil {
		return
	}

	if !filter.Matches(ev.Event, sub.Filters) {
		return
	}

	for _, webhookID := range sub.Webhooks {
		cfg, err := d.resolver.WebhookConfig(ctx, webhookID)
		if err != nil {
			log.Default().Println("error resolving webhook config: ", webhookID, err)
			sentry.CaptureException(err)
			continue
		}
		if cfg == nil {
			log.Default().Println("unknown webhook for subscription: ", sub.ID, webhookID)
			continue
		}

		dl := &relay.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			WebhookID:      webhookID,
			Event:          ev.Event,
			Payload:        format.Payload(cfg.Format, ev.Event),
			Status:         relay.DeliveryStatusPending,
			MaxAttempts:    cfg.RetryAttempts,
			CreatedAt:      time.Now().UTC(),
		}

		err = d.writer.SaveDelivery(dl)
		if err != nil {
			log.Default().Println("error enqueueing delivery: ", dl.ID, err)
			sentry.CaptureException(err)
		}
	}
}
