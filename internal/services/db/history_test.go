package db

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/chainhook/relay/pkg/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockHistoryDB(t *testing.T) (*HistoryDB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	h, err := NewHistoryDB(mockDB, mockDB)
	require.NoError(t, err)

	return h, mock
}

func TestAddAttempt(t *testing.T) {
	h, mock := newMockHistoryDB(t)

	mock.ExpectExec("INSERT INTO t_delivery_history").
		WithArgs("dl-1", "wh-1", 2, false, 502, int64(145), "bad gateway", "unexpected status: 502").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := h.AddAttempt(&relay.DeliveryAttempt{
		DeliveryID:   "dl-1",
		WebhookID:    "wh-1",
		Attempt:      2,
		Success:      false,
		StatusCode:   502,
		ResponseTime: 145 * time.Millisecond,
		ResponseBody: "bad gateway",
		Error:        "unexpected status: 502",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttemptsOldestFirst(t *testing.T) {
	h, mock := newMockHistoryDB(t)

	created := time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM t_delivery_history WHERE delivery_id = .+ ORDER BY created_at ASC").
		WithArgs("dl-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"delivery_id", "webhook_id", "attempt", "success", "status_code",
			"response_time_ms", "response_body", "error_message", "created_at",
		}).
			AddRow("dl-1", "wh-1", 1, false, 500, int64(90), "", "unexpected status: 500", created).
			AddRow("dl-1", "wh-1", 2, true, 200, int64(45), "ok", "", created.Add(30*time.Second)))

	attempts, err := h.GetAttempts("dl-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	assert.Equal(t, 1, attempts[0].Attempt)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, 90*time.Millisecond, attempts[0].ResponseTime)

	assert.Equal(t, 2, attempts[1].Attempt)
	assert.True(t, attempts[1].Success)

	require.NoError(t, mock.ExpectationsWereMet())
}
