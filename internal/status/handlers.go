package status

import (
	"io"
	"net/http"

	"github.com/chainhook/relay/internal/common"
	"github.com/chainhook/relay/internal/services/db"
	"github.com/chainhook/relay/internal/services/webhook"
	"github.com/chainhook/relay/pkg/listen"
	"github.com/chainhook/relay/pkg/queue"
	"github.com/go-chi/chi/v5"
)

type Service struct {
	db        *db.PostgresDB
	processor *queue.Processor
	listener  *listen.Listener
	conn      *listen.Connection
}

func NewService(db *db.PostgresDB, processor *queue.Processor, listener *listen.Listener, conn *listen.Connection) *Service {
	return &Service{
		db:        db,
		processor: processor,
		listener:  listener,
		conn:      conn,
	}
}

// GetQueueMetrics returns the delivery counts by status for the last day
func (s *Service) GetQueueMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.db.DeliveryDB.GetQueueMetrics()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	err = common.Body(w, metrics, nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// GetProcessorStats returns the queue processor's counters
func (s *Service) GetProcessorStats(w http.ResponseWriter, r *http.Request) {
	err := common.Body(w, s.processor.Stats(), nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type connectionStatus struct {
	State     string `json:"state"`
	Listening bool   `json:"listening"`
}

// GetConnectionStatus reports the websocket connection and listener state
func (s *Service) GetConnectionStatus(w http.ResponseWriter, r *http.Request) {
	resp := connectionStatus{
		State:     string(s.conn.State()),
		Listening: s.listener.IsListening(),
	}

	err := common.Body(w, resp, nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// GetDeliveryAttempts returns the attempt history for a delivery
func (s *Service) GetDeliveryAttempts(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "delivery_id")
	if deliveryID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	attempts, err := s.db.HistoryDB.GetAttempts(deliveryID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	err = common.BodyMultiple(w, attempts, common.Pagination{
		Limit:  len(attempts),
		Offset: 0,
		Total:  len(attempts),
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// VerifySignature checks a payload and signature pair against a
// configured webhook's secret. Lets subscribers test their receiving
// end without waiting for a real event.
func (s *Service) VerifySignature(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhook_id")

	cfg := s.processor.GetWebhookConfig(webhookID)
	if cfg == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	resp := verifyResponse{
		Valid: webhook.VerifySignature(body, cfg.Secret, signature),
	}

	err = common.Body(w, resp, nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
