// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/internal/models"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const (
	payloadSource  = "lending-indexer"
	payloadVersion = "1.0"
	maxDelay       = 30 * time.Second
)

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookNotifier POSTs liquidation records to every configured URL
type WebhookNotifier struct {
	urls           []string
	retryAttempts  int
	retryDelay     time.Duration
	httpClient     *http.Client
	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(cfg *config.NotificationConfig, metricsManager *metrics.Manager) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &WebhookNotifier{
		urls:          cfg.WebhookURLs,
		retryAttempts: attempts,
		retryDelay:    delay,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("webhook"),
	}
}

// NotifyLiquidation sends the record to every URL. Each URL is retried
// independently; the returned error joins the failures.
func (w *WebhookNotifier) NotifyLiquidation(ctx context.Context, record *models.LiquidationRecord) error {
	payload := &WebhookPayload{
		Type:      "liquidation",
		Source:    payloadSource,
		Version:   payloadVersion,
		Timestamp: time.Now().UTC(),
		Data:      record,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err)
	}

	var errs []error
	for _, url := range w.urls {
		if err := w.sendWithRetry(ctx, url, body); err != nil {
			w.recordNotification("error")
			w.logger.WithFields(logrus.Fields{
				"url":     url,
				"tx_hash": record.TxHash,
			}).WithError(err).Error("Webhook delivery failed")
			errs = append(errs, err)
			continue
		}
		w.recordNotification("success")
	}
	return errors.Join(errs...)
}

func (w *WebhookNotifier) sendWithRetry(ctx context.Context, url string, body []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryDelay
	policy.MaxInterval = maxDelay
	policy.MaxElapsedTime = 0

	attempt := func() error {
		err := w.send(ctx, url, body)
		var status *statusError
		if errors.As(err, &status) && status.code >= 400 && status.code < 500 && status.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		w.logger.WithFields(logrus.Fields{"url": url, "retry": wait}).WithError(err).Warn("Webhook attempt failed, retrying")
	}

	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.retryAttempts-1)), ctx),
		notify)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned status %d: %s", e.code, e.body)
}

// send performs a single webhook request
func (w *WebhookNotifier) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(utils.WrapError(utils.ErrCodeInternal, "Failed to create webhook request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Lending-Indexer/1.0")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	// Limit what we keep of error bodies
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &statusError{code: resp.StatusCode, body: string(snippet)}
}

func (w *WebhookNotifier) recordNotification(status string) {
	if w.metricsManager != nil {
		w.metricsManager.GetPrometheusMetrics().RecordNotification("webhook", status)
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
