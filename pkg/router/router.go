package router

import (
	"fmt"
	"net/http"

	"github.com/chainhook/relay/internal/auth"
	"github.com/chainhook/relay/internal/services/db"
	"github.com/chainhook/relay/internal/status"
	"github.com/chainhook/relay/pkg/listen"
	"github.com/chainhook/relay/pkg/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Router struct {
	apiKey    string
	db        *db.PostgresDB
	processor *queue.Processor
	listener  *listen.Listener
	conn      *listen.Connection
	registry  *prometheus.Registry
}

func NewServer(apiKey string, db *db.PostgresDB, processor *queue.Processor, listener *listen.Listener, conn *listen.Connection, registry *prometheus.Registry) *Router {
	return &Router{
		apiKey,
		db,
		processor,
		listener,
		conn,
		registry,
	}
}

// implement the Server interface
func (r *Router) Start(port int) error {
	cr := chi.NewRouter()

	a := auth.New(r.apiKey)

	// configure middleware
	cr.Use(middleware.RequestID)
	cr.Use(middleware.Logger)

	// configure custom middleware
	cr.Use(OptionsMiddleware)
	cr.Use(HealthMiddleware)
	cr.Use(RequestSizeLimitMiddleware(1 << 20)) // Limit request bodies to 1MB
	cr.Use(a.AuthMiddleware)
	cr.Use(middleware.Compress(9))

	// instantiate handlers
	st := status.NewService(r.db, r.processor, r.listener, r.conn)

	// configure routes
	cr.Route("/queue", func(cr chi.Router) {
		cr.Get("/metrics", st.GetQueueMetrics)
		cr.Get("/stats", st.GetProcessorStats)
	})

	cr.Get("/connection", st.GetConnectionStatus)

	cr.Route("/deliveries", func(cr chi.Router) {
		cr.Get("/{delivery_id}/attempts", st.GetDeliveryAttempts)
	})

	cr.Route("/webhooks", func(cr chi.Router) {
		cr.Post("/{webhook_id}/verify", st.VerifySignature)
	})

	cr.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	return http.ListenAndServe(fmt.Sprintf(":%v", port), cr)
}
