package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/chainhook/relay/internal/config"
	"github.com/chainhook/relay/internal/services/db"
	"github.com/chainhook/relay/internal/services/webhook"
	"github.com/chainhook/relay/pkg/dispatch"
	"github.com/chainhook/relay/pkg/listen"
	"github.com/chainhook/relay/pkg/queue"
	"github.com/chainhook/relay/pkg/relay"
	"github.com/chainhook/relay/pkg/router"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log.Default().Println("launching relay...")

	env := flag.String("env", ".env", "path to .env file")

	confpath := flag.String("confpath", ".", "path to relay.json")

	port := flag.Int("port", 3000, "port to listen on")

	stuck := flag.Duration("stuck", 10*time.Minute, "threshold after which processing deliveries are reset")

	retention := flag.Duration("retention", 7*24*time.Hour, "how long completed deliveries are kept")

	flag.Parse()

	ctx := context.Background()

	conf, err := config.New(ctx, *env, *confpath)
	if err != nil {
		log.Fatal(err)
	}

	if conf.SentryURL != "" && conf.SentryURL != "x" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn: conf.SentryURL,
			// Set TracesSampleRate to 1.0 to capture 100%
			// of transactions for performance monitoring.
			// We recommend adjusting this value in production,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		// Flush buffered events before the program terminates.
		defer sentry.Flush(2 * time.Second)
	}

	dbconf, err := config.NewDBConfig(ctx, *env)
	if err != nil {
		log.Fatal(err)
	}

	log.Default().Println("starting db service...")

	d, err := db.NewPostgresDB(dbconf.DBUser, dbconf.DBPassword, dbconf.DBName, dbconf.DBHost, dbconf.DBReaderHost)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	log.Default().Println("connecting to ws rpc...")

	conn := listen.NewConnection(relay.NetworkConfig{
		RPCURL:        conf.RPCURL,
		WSURL:         conf.RPCWSURL,
		ChainID:       conf.ChainID,
		Confirmations: conf.Confirmations,
	})

	err = conn.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Disconnect()

	listener := listen.NewListener(conn)

	log.Default().Println("starting delivery processor...")

	registry := prometheus.NewRegistry()

	sender := webhook.NewSender(nil, d.HistoryDB)

	processor := queue.NewProcessor(d.DeliveryDB, sender)
	processor.SetMetrics(queue.NewMetrics(registry))

	// the processor doubles as the sender's config resolver
	sender.SetResolver(processor)

	whs, err := config.Webhooks(*confpath)
	if err != nil {
		log.Fatal(err)
	}

	for _, wh := range whs {
		err = processor.SetWebhookConfig(wh)
		if err != nil {
			log.Fatal(err)
		}
	}

	dispatcher := dispatch.NewDispatcher(listener, d.DeliveryDB, processor)

	subs, err := config.Subscriptions(*confpath)
	if err != nil {
		log.Fatal(err)
	}

	for _, sub := range subs {
		err = dispatcher.AddSubscription(sub)
		if err != nil {
			log.Fatal(err)
		}
	}

	err = listener.Start(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer listener.Stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	processor.Start(ctx)
	defer processor.Stop()

	// reset deliveries stuck in processing and evict old completed rows
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			dls, err := d.DeliveryDB.GetStuckDeliveries(*stuck)
			if err != nil {
				log.Default().Println("error fetching stuck deliveries: ", err)
				sentry.CaptureException(err)
			}

			for _, dl := range dls {
				log.Default().Println("stuck delivery: ", dl.ID, " webhook: ", dl.WebhookID)
			}

			reset, err := d.DeliveryDB.ResetStuckDeliveries(*stuck)
			if err != nil {
				log.Default().Println("error resetting stuck deliveries: ", err)
				sentry.CaptureException(err)
			}
			if reset > 0 {
				log.Default().Println("reset stuck deliveries: ", reset)
			}

			_, err = d.DeliveryDB.CleanupCompletedDeliveries(time.Now().Add(-*retention))
			if err != nil {
				log.Default().Println("error cleaning up deliveries: ", err)
				sentry.CaptureException(err)
			}
		}
	}()

	log.Default().Println("starting api service...")

	quitAck := make(chan error)

	api := router.NewServer(conf.APIKEY, d, processor, listener, conn, registry)

	go func() {
		quitAck <- api.Start(*port)
	}()

	log.Default().Println("listening on port: ", *port)

	for err := range quitAck {
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal(err)
		}
	}
}
