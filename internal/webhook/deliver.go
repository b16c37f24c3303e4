// Package webhook delivers signed domain events to tenant endpoints with
// bounded retries and persists every state change to the delivery log.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

// DefaultBackoff is the retry schedule indexed by attempt, capped at its
// last entry.
var DefaultBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

type LogStore interface {
	UpdateDeliveryLog(ctx context.Context, id int64, upd campaign.DeliveryUpdate) error
}

type Deliverer struct {
	store       LogStore
	client      *http.Client
	maxAttempts int
	backoff     []time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDeliverer(store LogStore, timeout time.Duration, maxAttempts int) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Deliverer{
		store:       store,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		backoff:     DefaultBackoff,
		sleep:       sleepCtx,
	}
}

// Deliver POSTs the signed event to one endpoint, retrying 429/5xx/transport
// failures on the backoff schedule. Failures never propagate to the event
// producer; the delivery log is the only observable outcome. The retry is an
// explicit loop so a long schedule cannot grow the call stack.
func (d *Deliverer) Deliver(ctx context.Context, ep campaign.WebhookEndpoint, ev campaign.Event, logID int64) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.update(ctx, logID, terminalFailure(0, fmt.Sprintf("marshal event: %v", err), 0))
		return
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		status, excerpt, err := d.post(ctx, ep, ev, body)
		metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

		switch classify(status, err) {
		case outcomeSuccess:
			metrics.WebhookAttemptsTotal.WithLabelValues("success").Inc()
			now := time.Now()
			d.update(ctx, logID, campaign.DeliveryUpdate{
				Status:      campaign.DeliverySuccess,
				HTTPStatus:  &status,
				Response:    &excerpt,
				RetryCount:  &attempt,
				CompletedAt: &now,
			})
			logx.L().Infow("webhook_delivered",
				"endpoint_id", ep.ID, "event_id", ev.ID, "attempts", attempt+1)
			return

		case outcomeClientError:
			// 4xx (except 429) is assumed non-transient: terminal, no retry.
			metrics.WebhookAttemptsTotal.WithLabelValues("client_error").Inc()
			d.update(ctx, logID, terminalFailure(status, http.StatusText(status)+": "+excerpt, attempt))
			logx.L().Warnw("webhook_client_error",
				"endpoint_id", ep.ID, "event_id", ev.ID, "status", status)
			return

		default: // retryable: 429, 5xx, transport error
			metrics.WebhookAttemptsTotal.WithLabelValues("retryable").Inc()
			errText := excerpt
			if err != nil {
				errText = err.Error()
			}
			if attempt >= d.maxAttempts-1 {
				d.update(ctx, logID, terminalFailure(status, errText, attempt))
				logx.L().Warnw("webhook_failed",
					"endpoint_id", ep.ID, "event_id", ev.ID, "attempts", attempt+1, "error", errText)
				return
			}

			retries := attempt + 1
			d.update(ctx, logID, campaign.DeliveryUpdate{
				Status:     campaign.DeliveryRetrying,
				HTTPStatus: &status,
				RetryCount: &retries,
				Error:      &errText,
			})
			metrics.WebhookRetriesTotal.Inc()

			if err := d.sleep(ctx, d.backoffFor(attempt)); err != nil {
				d.update(context.Background(), logID, terminalFailure(status, "delivery aborted: "+err.Error(), attempt))
				return
			}
		}
	}
}

func (d *Deliverer) post(ctx context.Context, ep campaign.WebhookEndpoint, ev campaign.Event, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	req.Header.Set(HeaderEventID, ev.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, string(excerpt), nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeClientError
	outcomeRetryable
)

func classify(status int, err error) outcome {
	switch {
	case err != nil:
		return outcomeRetryable // timeout, connection reset, DNS failure
	case status >= 200 && status < 400:
		return outcomeSuccess
	case status == http.StatusTooManyRequests:
		return outcomeRetryable
	case status >= 400 && status < 500:
		return outcomeClientError
	default:
		return outcomeRetryable
	}
}

func (d *Deliverer) backoffFor(attempt int) time.Duration {
	if attempt >= len(d.backoff) {
		return d.backoff[len(d.backoff)-1]
	}
	return d.backoff[attempt]
}

func terminalFailure(status int, errText string, retries int) campaign.DeliveryUpdate {
	now := time.Now()
	return campaign.DeliveryUpdate{
		Status:      campaign.DeliveryFailed,
		HTTPStatus:  &status,
		RetryCount:  &retries,
		Error:       &errText,
		CompletedAt: &now,
	}
}

func (d *Deliverer) update(ctx context.Context, logID int64, upd campaign.DeliveryUpdate) {
	if err := d.store.UpdateDeliveryLog(ctx, logID, upd); err != nil {
		logx.L().Errorw("delivery_log_update_error", "log_id", logID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
