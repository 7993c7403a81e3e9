package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainhook/relay/pkg/relay"
)

// DeliveryDB is the durable webhook delivery queue. Concurrent
// processors dequeue through row locks with skip-locked semantics, so
// a row is never handed to two workers.
type DeliveryDB struct {
	db  *sql.DB
	rdb *sql.DB
}

func NewDeliveryDB(db, rdb *sql.DB) (*DeliveryDB, error) {
	return &DeliveryDB{
		db:  db,
		rdb: rdb,
	}, nil
}

// CreateDeliveryTable creates the deliveries table
func (d *DeliveryDB) CreateDeliveryTable() error {
	_, err := d.db.Exec(`
	CREATE TABLE IF NOT EXISTS t_deliveries(
		id text NOT NULL PRIMARY KEY,
		subscription_id text NOT NULL,
		webhook_id text NOT NULL,
		event_data jsonb NOT NULL,
		payload jsonb NOT NULL,
		status text NOT NULL DEFAULT 'pending',
		attempts integer NOT NULL DEFAULT 0,
		max_attempts integer NOT NULL DEFAULT 3,
		next_retry timestamp DEFAULT NULL,
		created_at timestamp NOT NULL DEFAULT current_timestamp,
		last_attempt timestamp DEFAULT NULL,
		completed_at timestamp DEFAULT NULL,
		error_message text DEFAULT NULL
	);
	`)

	return err
}

// CreateDeliveryTableIndexes creates the indexes for the deliveries table
func (d *DeliveryDB) CreateDeliveryTableIndexes() error {
	// dequeue path
	_, err := d.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_deliveries_status_next_retry_created_at ON t_deliveries (status, next_retry, created_at);
	`)
	if err != nil {
		return err
	}

	// stuck recovery
	_, err = d.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_deliveries_status_last_attempt ON t_deliveries (status, last_attempt);
	`)
	if err != nil {
		return err
	}

	// metrics window
	_, err = d.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_deliveries_created_at ON t_deliveries (created_at);
	`)

	return err
}

// SaveDelivery upserts a delivery by id. On conflict the status,
// attempts and retry schedule are updated and last_attempt is stamped.
func (d *DeliveryDB) SaveDelivery(dl *relay.WebhookDelivery) error {
	eventData, err := json.Marshal(dl.Event)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(dl.Payload)
	if err != nil {
		return err
	}

	_, err = d.db.Exec(`
	INSERT INTO t_deliveries (id, subscription_id, webhook_id, event_data, payload, status, attempts, max_attempts, next_retry, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, current_timestamp)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		next_retry = excluded.next_retry,
		last_attempt = current_timestamp
	`, dl.ID, dl.SubscriptionID, dl.WebhookID, eventData, payload, dl.Status, dl.Attempts, dl.MaxAttempts, dl.NextRetry)

	return err
}

// GetNextDelivery dequeues the oldest due pending delivery, marking it
// processing within one transaction. FOR UPDATE SKIP LOCKED lets
// concurrent workers pull distinct rows without blocking on each other
// or double-processing one. Returns nil when the queue is empty.
func (d *DeliveryDB) GetNextDelivery() (*relay.WebhookDelivery, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
	SELECT id, subscription_id, webhook_id, event_data, payload, status, attempts, max_attempts, next_retry, created_at, last_attempt, completed_at, error_message
	FROM t_deliveries
	WHERE status = 'pending' AND (next_retry IS NULL OR next_retry <= current_timestamp)
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
	`)

	dl, err := scanDelivery(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	_, err = tx.Exec(`
	UPDATE t_deliveries SET status = 'processing', last_attempt = current_timestamp WHERE id = $1
	`, dl.ID)
	if err != nil {
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dl.Status = relay.DeliveryStatusProcessing
	dl.LastAttempt = &now

	return dl, nil
}

// UpdateDeliveryStatus sets a delivery's status, stamping completed_at
// for terminal states
func (d *DeliveryDB) UpdateDeliveryStatus(id string, status relay.DeliveryStatus, errMsg string) error {
	completed := status == relay.DeliveryStatusCompleted || status == relay.DeliveryStatusFailed

	_, err := d.db.Exec(`
	UPDATE t_deliveries SET
		status = $2,
		error_message = NULLIF($3, ''),
		completed_at = CASE WHEN $4 THEN current_timestamp ELSE completed_at END
	WHERE id = $1
	`, id, status, errMsg, completed)

	return err
}

// IncrementAttempts bumps a delivery's attempt counter, never past max_attempts
func (d *DeliveryDB) IncrementAttempts(id string) error {
	_, err := d.db.Exec(`
	UPDATE t_deliveries SET attempts = attempts + 1 WHERE id = $1 AND attempts < max_attempts
	`, id)

	return err
}

// UpdateRetrySchedule resets a delivery to pending with a future
// next_retry, implementing per-delivery backoff
func (d *DeliveryDB) UpdateRetrySchedule(id string, nextRetry time.Time, attempts int, errMsg string) error {
	_, err := d.db.Exec(`
	UPDATE t_deliveries SET status = 'pending', next_retry = $2, attempts = $3, error_message = NULLIF($4, '') WHERE id = $1
	`, id, nextRetry, attempts, errMsg)

	return err
}

// GetQueueMetrics counts deliveries per status over a trailing 24h window
func (d *DeliveryDB) GetQueueMetrics() (*relay.QueueMetrics, error) {
	rows, err := d.rdb.Query(`
	SELECT status, COUNT(*)
	FROM t_deliveries
	WHERE created_at >= current_timestamp - interval '24 hours'
	GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := &relay.QueueMetrics{}
	for rows.Next() {
		var status string
		var count int64
		err = rows.Scan(&status, &count)
		if err != nil {
			return nil, err
		}

		switch relay.DeliveryStatus(status) {
		case relay.DeliveryStatusPending:
			m.Pending = count
		case relay.DeliveryStatusProcessing:
			m.Processing = count
		case relay.DeliveryStatusCompleted:
			m.Completed = count
		case relay.DeliveryStatusFailed:
			m.Failed = count
		}
	}

	return m, rows.Err()
}

// CleanupCompletedDeliveries purges terminal rows older than the cutoff
func (d *DeliveryDB) CleanupCompletedDeliveries(olderThan time.Time) (int64, error) {
	res, err := d.db.Exec(`
	DELETE FROM t_deliveries
	WHERE status IN ('completed', 'failed') AND COALESCE(completed_at, created_at) < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// GetStuckDeliveries returns rows stuck in processing past the threshold
func (d *DeliveryDB) GetStuckDeliveries(threshold time.Duration) ([]*relay.WebhookDelivery, error) {
	rows, err := d.rdb.Query(fmt.Sprintf(`
	SELECT id, subscription_id, webhook_id, event_data, payload, status, attempts, max_attempts, next_retry, created_at, last_attempt, completed_at, error_message
	FROM t_deliveries
	WHERE status = 'processing' AND last_attempt < current_timestamp - interval '%d milliseconds'
	`, threshold.Milliseconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*relay.WebhookDelivery{}
	for rows.Next() {
		dl, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}

		deliveries = append(deliveries, dl)
	}

	return deliveries, rows.Err()
}

// ResetStuckDeliveries recovers rows stuck in processing past the
// threshold, resetting them to pending for redelivery (crash recovery)
func (d *DeliveryDB) ResetStuckDeliveries(threshold time.Duration) (int64, error) {
	res, err := d.db.Exec(fmt.Sprintf(`
	UPDATE t_deliveries SET status = 'pending', next_retry = NULL
	WHERE status = 'processing' AND last_attempt < current_timestamp - interval '%d milliseconds'
	`, threshold.Milliseconds()))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*relay.WebhookDelivery, error) {
	var dl relay.WebhookDelivery
	var eventData, payload []byte
	var status string
	var nextRetry, lastAttempt, completedAt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(&dl.ID, &dl.SubscriptionID, &dl.WebhookID, &eventData, &payload, &status, &dl.Attempts, &dl.MaxAttempts, &nextRetry, &dl.CreatedAt, &lastAttempt, &completedAt, &errMsg)
	if err != nil {
		return nil, err
	}

	dl.Status = relay.DeliveryStatus(status)

	if len(eventData) > 0 {
		err = json.Unmarshal(eventData, &dl.Event)
		if err != nil {
			return nil, err
		}
	}

	if len(payload) > 0 {
		err = json.Unmarshal(payload, &dl.Payload)
		if err != nil {
			return nil, err
		}
	}

	if nextRetry.Valid {
		dl.NextRetry = &nextRetry.Time
	}
	if lastAttempt.Valid {
		dl.LastAttempt = &lastAttempt.Time
	}
	if completedAt.Valid {
		dl.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		dl.ErrorMessage = errMsg.String
	}

	return &dl, nil
}
