package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord() *models.LiquidationRecord {
	return &models.LiquidationRecord{
		TxHash:           "0xabc",
		LogIndex:         2,
		BlockNumber:      77,
		Liquidator:       "0xliquidator",
		UserLiquidated:   "0xuser",
		CollateralAsset:  "0xasset",
		DebtAsset:        "0xasset",
		DebtCovered:      "40",
		CollateralSeized: "40",
		CreatedAt:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookDeliversPayload(t *testing.T) {
	var received WebhookPayload
	var record models.LiquidationRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		received.Data = &record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	mm := metrics.NewManagerWithRegistry(reg)
	notifier := NewWebhookNotifier(&config.NotificationConfig{
		WebhookURLs:   []string{server.URL},
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, mm)

	require.NoError(t, notifier.NotifyLiquidation(context.Background(), testRecord()))
	assert.Equal(t, "liquidation", received.Type)
	assert.Equal(t, "0xabc", record.TxHash)
	assert.Equal(t, "40", record.CollateralSeized)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		mm.GetPrometheusMetrics().NotificationsSentTotal.WithLabelValues("webhook", "success")))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(&config.NotificationConfig{
		WebhookURLs:   []string{server.URL},
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, nil)

	require.NoError(t, notifier.NotifyLiquidation(context.Background(), testRecord()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(&config.NotificationConfig{
		WebhookURLs:   []string{server.URL},
		RetryAttempts: 5,
		RetryDelay:    time.Millisecond,
	}, nil)

	err := notifier.NotifyLiquidation(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookContinuesPastFailingURL(t *testing.T) {
	var delivered int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	notifier := NewWebhookNotifier(&config.NotificationConfig{
		WebhookURLs:   []string{bad.URL, good.URL},
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, nil)

	err := notifier.NotifyLiquidation(context.Background(), testRecord())
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}
