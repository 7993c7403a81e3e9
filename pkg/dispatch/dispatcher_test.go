package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainhook/relay/pkg/filter"
	"github.com/chainhook/relay/pkg/listen"
	"github.com/chainhook/relay/pkg/relay"
)

type memWriter struct {
	mu         sync.Mutex
	deliveries []*relay.WebhookDelivery
}

func (w *memWriter) SaveDelivery(dl *relay.WebhookDelivery) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deliveries = append(w.deliveries, dl)
	return nil
}

func (w *memWriter) all() []*relay.WebhookDelivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*relay.WebhookDelivery{}, w.deliveries...)
}

type memResolver struct {
	configs map[string]*relay.WebhookConfig
}

func (r *memResolver) WebhookConfig(ctx context.Context, id string) (*relay.WebhookConfig, error) {
	return r.configs[id], nil
}

func newTestDispatcher(writer *memWriter, resolver *memResolver) *Dispatcher {
	conn := listen.NewConnection(relay.NetworkConfig{WSURL: "ws://localhost:8545"})
	return NewDispatcher(listen.NewListener(conn), writer, resolver)
}

func transferSubscription() *relay.EventSubscription {
	return &relay.EventSubscription{
		ID:              "sub-1",
		ContractAddress: []string{"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		EventSignature:  "Transfer(address indexed from, address indexed to, uint256 value)",
		Filters:         map[string]any{"args.value": map[string]any{"gt": "100"}},
		Webhooks:        []string{"wh-generic", "wh-zapier"},
	}
}

func testResolver() *memResolver {
	return &memResolver{configs: map[string]*relay.WebhookConfig{
		"wh-generic": {
			ID:            "wh-generic",
			URL:           "https://hooks.example.com/a",
			Format:        relay.FormatGeneric,
			Timeout:       time.Second,
			RetryAttempts: 5,
		},
		"wh-zapier": {
			ID:            "wh-zapier",
			URL:           "https://hooks.zapier.com/b",
			Format:        relay.FormatZapier,
			Timeout:       time.Second,
			RetryAttempts: 3,
		},
	}}
}

func matchingEvent() *relay.BlockchainEvent {
	return &relay.BlockchainEvent{
		ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		EventName:       "Transfer",
		BlockNumber:     18000000,
		TransactionHash: "0xdeadbeef",
		Args: map[string]any{
			"from":  "0xabc",
			"value": "500",
		},
		Timestamp: time.Now().UTC(),
	}
}

func TestHandleFansOutPerWebhook(t *testing.T) {
	writer := &memWriter{}
	d := newTestDispatcher(writer, testResolver())

	if err := d.AddSubscription(transferSubscription()); err != nil {
		t.Fatal(err)
	}

	d.handle(context.Background(), listen.SubscriptionEvent{
		SubscriptionID: "sub-1",
		Event:          matchingEvent(),
	})

	deliveries := writer.all()
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(deliveries))
	}

	byWebhook := map[string]*relay.WebhookDelivery{}
	for _, dl := range deliveries {
		byWebhook[dl.WebhookID] = dl

		if dl.ID == "" {
			t.Error("delivery id missing")
		}
		if dl.Status != relay.DeliveryStatusPending {
			t.Errorf("status = %s, want pending", dl.Status)
		}
		if dl.SubscriptionID != "sub-1" {
			t.Errorf("subscription id = %s", dl.SubscriptionID)
		}
	}

	if deliveries[0].ID == deliveries[1].ID {
		t.Error("delivery ids must be unique")
	}

	if byWebhook["wh-generic"].MaxAttempts != 5 || byWebhook["wh-zapier"].MaxAttempts != 3 {
		t.Error("max attempts should come from the webhook config")
	}

	// payloads are shaped per webhook format
	if _, ok := byWebhook["wh-generic"].Payload["data"]; !ok {
		t.Errorf("generic payload missing data: %+v", byWebhook["wh-generic"].Payload)
	}
	if byWebhook["wh-zapier"].Payload["event_name"] != "Transfer" {
		t.Errorf("zapier payload not flat: %+v", byWebhook["wh-zapier"].Payload)
	}
}

func TestHandleFilteredOut(t *testing.T) {
	writer := &memWriter{}
	d := newTestDispatcher(writer, testResolver())

	if err := d.AddSubscription(transferSubscription()); err != nil {
		t.Fatal(err)
	}

	ev := matchingEvent()
	ev.Args["value"] = "50"

	d.handle(context.Background(), listen.SubscriptionEvent{SubscriptionID: "sub-1", Event: ev})

	if len(writer.all()) != 0 {
		t.Error("filtered event should not produce deliveries")
	}
}

func TestHandleUnknownSubscription(t *testing.T) {
	writer := &memWriter{}
	d := newTestDispatcher(writer, testResolver())

	d.handle(context.Background(), listen.SubscriptionEvent{SubscriptionID: "nope", Event: matchingEvent()})

	if len(writer.all()) != 0 {
		t.Error("unknown subscription should be ignored")
	}
}

func TestHandleUnknownWebhookSkipped(t *testing.T) {
	writer := &memWriter{}
	resolver := testResolver()
	delete(resolver.configs, "wh-zapier")

	d := newTestDispatcher(writer, resolver)

	if err := d.AddSubscription(transferSubscription()); err != nil {
		t.Fatal(err)
	}

	d.handle(context.Background(), listen.SubscriptionEvent{SubscriptionID: "sub-1", Event: matchingEvent()})

	deliveries := writer.all()
	if len(deliveries) != 1 || deliveries[0].WebhookID != "wh-generic" {
		t.Errorf("deliveries = %+v, want only wh-generic", deliveries)
	}
}

func TestAddSubscriptionRejectsBadInput(t *testing.T) {
	d := newTestDispatcher(&memWriter{}, testResolver())

	sub := transferSubscription()
	sub.Filters = map[string]any{"args.value": map[string]any{"between": "1"}}

	if err := d.AddSubscription(sub); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Errorf("err = %v, want ErrInvalidFilter", err)
	}

	sub = transferSubscription()
	sub.EventSignature = "not a signature"

	if err := d.AddSubscription(sub); !errors.Is(err, listen.ErrMalformedSignature) {
		t.Errorf("err = %v, want ErrMalformedSignature", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	d := newTestDispatcher(&memWriter{}, testResolver())

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a dispatcher that never started")
	}
}

func TestRemoveSubscription(t *testing.T) {
	writer := &memWriter{}
	d := newTestDispatcher(writer, testResolver())

	if err := d.AddSubscription(transferSubscription()); err != nil {
		t.Fatal(err)
	}

	d.RemoveSubscription("sub-1")

	d.handle(context.Background(), listen.SubscriptionEvent{SubscriptionID: "sub-1", Event: matchingEvent()})

	if len(writer.all()) != 0 {
		t.Error("removed subscription should not produce deliveries")
	}
}
