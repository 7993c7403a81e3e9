package db

import (
	"database/sql"
	"time"

	"github.com/chainhook/relay/pkg/relay"
)

// HistoryDB records every send attempt, success or failure
type HistoryDB struct {
	db  *sql.DB
	rdb *sql.DB
}

func NewHistoryDB(db, rdb *sql.DB) (*HistoryDB, error) {
	return &HistoryDB{
		db:  db,
		rdb: rdb,
	}, nil
}

// CreateHistoryTable creates the delivery history table
func (h *HistoryDB) CreateHistoryTable() error {
	_, err := h.db.Exec(`
	CREATE TABLE IF NOT EXISTS t_delivery_history(
		id serial PRIMARY KEY,
		delivery_id text NOT NULL,
		webhook_id text NOT NULL,
		attempt integer NOT NULL,
		success boolean NOT NULL,
		status_code integer NOT NULL DEFAULT 0,
		response_time_ms integer NOT NULL DEFAULT 0,
		response_body text DEFAULT NULL,
		error_message text DEFAULT NULL,
		created_at timestamp NOT NULL DEFAULT current_timestamp
	);
	`)

	return err
}

// CreateHistoryTableIndexes creates the indexes for the history table
func (h *HistoryDB) CreateHistoryTableIndexes() error {
	_, err := h.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_delivery_history_delivery_id ON t_delivery_history (delivery_id);
	`)
	if err != nil {
		return err
	}

	_, err = h.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_delivery_history_webhook_id_created_at ON t_delivery_history (webhook_id, created_at);
	`)

	return err
}

// AddAttempt records one send attempt
func (h *HistoryDB) AddAttempt(a *relay.DeliveryAttempt) error {
	_, err := h.db.Exec(`
	INSERT INTO t_delivery_history (delivery_id, webhook_id, attempt, success, status_code, response_time_ms, response_body, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''))
	`, a.DeliveryID, a.WebhookID, a.Attempt, a.Success, a.StatusCode, a.ResponseTime.Milliseconds(), a.ResponseBody, a.Error)

	return err
}

// GetAttempts returns the attempt history for a delivery, oldest first
func (h *HistoryDB) GetAttempts(deliveryID string) ([]*relay.DeliveryAttempt, error) {
	rows, err := h.rdb.Query(`
	SELECT delivery_id, webhook_id, attempt, success, status_code, response_time_ms, COALESCE(response_body, ''), COALESCE(error_message, ''), created_at
	FROM t_delivery_history
	WHERE delivery_id = $1
	ORDER BY created_at ASC
	`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []*relay.DeliveryAttempt{}
	for rows.Next() {
		var a relay.DeliveryAttempt
		var responseTimeMs int64
		err = rows.Scan(&a.DeliveryID, &a.WebhookID, &a.Attempt, &a.Success, &a.StatusCode, &responseTimeMs, &a.ResponseBody, &a.Error, &a.CreatedAt)
		if err != nil {
			return nil, err
		}

		a.ResponseTime = time.Duration(responseTimeMs) * time.Millisecond

		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}
