// Package broadcast drives one campaign to completion: exclusive claim,
// sequential sends under the rate limiter, per-recipient outcome recording.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/internal/ratelimit"
	"github.com/avilov-dev/dmpilot/internal/sender"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

// rateLimitBackoff is the reactive pause after the platform itself rejects
// a send for rate limiting, layered on top of the proactive limiter.
const rateLimitBackoff = 60 * time.Second

type Store interface {
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error)
	MarkCampaignSending(ctx context.Context, id int64, total int) error
	MarkCampaignCompleted(ctx context.Context, id int64) error
	UpdateCampaignStatus(ctx context.Context, id int64, status, errText string) error
	IncrementCampaignCounters(ctx context.Context, id int64, sentDelta, failedDelta int) error
	MarkRecipientSent(ctx context.Context, id int64) error
	MarkRecipientFailed(ctx context.Context, id int64, errText string) error
	CreateActivityLog(ctx context.Context, campaignID, recipientID int64, action, detail string) error
	ListDueScheduledCampaigns(ctx context.Context, now time.Time, excludeIDs []int64) ([]campaign.Campaign, error)
}

type EventPublisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

type Executor struct {
	store  Store
	sender sender.Sender
	limit  *ratelimit.Limiter
	events EventPublisher // may be nil

	mu        sync.Mutex
	executing map[int64]struct{}

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

func NewExecutor(st Store, snd sender.Sender, lim *ratelimit.Limiter, events EventPublisher) *Executor {
	return &Executor{
		store:     st,
		sender:    snd,
		limit:     lim,
		events:    events,
		executing: make(map[int64]struct{}),
		sleep:     sleepCtx,
		jitter:    sendJitter,
	}
}

// Execute runs one campaign to its terminal state. Per-recipient failures
// are recorded and never abort the loop; the campaign ends `completed` with
// accurate counters even when every send failed. Only setup failures
// (already executing, not found, invalid state) return an error.
func (e *Executor) Execute(ctx context.Context, id int64) error {
	if !e.tryClaim(id) {
		return fmt.Errorf("campaign %d: %w", id, campaign.ErrAlreadyExecuting)
	}
	defer e.release(id)

	camp, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if camp.Status != campaign.StatusDraft && camp.Status != campaign.StatusScheduled {
		return fmt.Errorf("campaign %d in status %q: %w", id, camp.Status, campaign.ErrInvalidState)
	}

	recs, err := e.store.ListRecipients(ctx, id)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}
	if err := e.store.MarkCampaignSending(ctx, id, len(recs)); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	logx.L().Infow("campaign_started", "campaign_id", id, "recipients", len(recs))

	sent, failed := 0, 0
	for _, r := range recs {
		if err := e.limit.Wait(ctx, camp.AccountID); err != nil {
			// Shutdown mid-campaign: the campaign stays `sending` and needs
			// operator intervention, see ListDueScheduledCampaigns.
			return err
		}

		if err := e.sender.SendDM(ctx, r.ExternalID, camp.Message, camp.MediaURL); err != nil {
			failed++
			e.recordFailure(ctx, camp, r, err)
			if sender.IsRateLimited(err) {
				logx.L().Warnw("platform_rate_limited", "campaign_id", id, "pause", rateLimitBackoff.String())
				if serr := e.sleep(ctx, rateLimitBackoff); serr != nil {
					return serr
				}
			}
			continue
		}

		sent++
		e.recordSuccess(ctx, camp, r)
		if serr := e.sleep(ctx, e.jitter()); serr != nil {
			return serr
		}
	}

	if err := e.store.MarkCampaignCompleted(ctx, id); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.BroadcastCampaignsTotal.Inc()
	logx.L().Infow("campaign_completed", "campaign_id", id, "sent", sent, "failed", failed)
	return nil
}

func (e *Executor) recordSuccess(ctx context.Context, camp campaign.Campaign, r campaign.Recipient) {
	if err := e.store.MarkRecipientSent(ctx, r.ID); err != nil {
		logx.L().Errorw("db_mark_recipient_sent_error", "recipient_id", r.ID, "error", err)
	}
	if err := e.store.IncrementCampaignCounters(ctx, camp.ID, 1, 0); err != nil {
		logx.L().Errorw("db_increment_counters_error", "campaign_id", camp.ID, "error", err)
	}
	if err := e.store.CreateActivityLog(ctx, camp.ID, r.ID, "dm_sent", ""); err != nil {
		logx.L().Errorw("db_activity_log_error", "campaign_id", camp.ID, "error", err)
	}
	metrics.BroadcastSendsTotal.WithLabelValues("sent").Inc()
	e.publishSent(ctx, camp, r)
}

func (e *Executor) recordFailure(ctx context.Context, camp campaign.Campaign, r campaign.Recipient, sendErr error) {
	if err := e.store.MarkRecipientFailed(ctx, r.ID, sendErr.Error()); err != nil {
		logx.L().Errorw("db_mark_recipient_failed_error", "recipient_id", r.ID, "error", err)
	}
	if err := e.store.IncrementCampaignCounters(ctx, camp.ID, 0, 1); err != nil {
		logx.L().Errorw("db_increment_counters_error", "campaign_id", camp.ID, "error", err)
	}
	if err := e.store.CreateActivityLog(ctx, camp.ID, r.ID, "dm_failed", sendErr.Error()); err != nil {
		logx.L().Errorw("db_activity_log_error", "campaign_id", camp.ID, "error", err)
	}
	metrics.BroadcastSendsTotal.WithLabelValues("failed").Inc()
	logx.L().Infow("dm_send_failed",
		"campaign_id", camp.ID, "recipient_id", r.ID, "error", sendErr.Error())
}

func (e *Executor) publishSent(ctx context.Context, camp campaign.Campaign, r campaign.Recipient) {
	if e.events == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"campaign_id":  camp.ID,
		"recipient_id": r.ID,
		"external_id":  r.ExternalID,
	})
	env := campaign.EventEnvelope{
		TenantID: camp.TenantID,
		Event: campaign.Event{
			ID:        uuid.NewString(),
			Type:      campaign.EventMessageSent,
			Timestamp: time.Now().UTC(),
			Data:      data,
		},
	}
	body, _ := json.Marshal(env)
	if err := e.events.PublishJSON(ctx, body); err != nil {
		logx.L().Errorw("event_publish_error", "campaign_id", camp.ID, "error", err)
	}
}

func (e *Executor) tryClaim(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.executing[id]; busy {
		return false
	}
	e.executing[id] = struct{}{}
	return true
}

func (e *Executor) release(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.executing, id)
}

func (e *Executor) executingIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.executing))
	for id := range e.executing {
		ids = append(ids, id)
	}
	return ids
}

// sendJitter throttles burstiness beyond the hard limiter so the platform
// does not flag the sending account.
func sendJitter() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
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
