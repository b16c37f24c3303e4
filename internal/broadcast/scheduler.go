package broadcast

import (
	"context"
	"time"

	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

// CheckScheduled starts every scheduled campaign whose scheduled_at has
// passed and that this process is not already executing. Campaigns are
// kicked off asynchronously; their errors are logged, never propagated, so
// one bad campaign cannot stall the loop.
func (e *Executor) CheckScheduled(ctx context.Context) {
	due, err := e.store.ListDueScheduledCampaigns(ctx, time.Now(), e.executingIDs())
	if err != nil {
		logx.L().Errorw("list_due_campaigns_error", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logx.L().Infow("due_campaigns_found", "count", len(due))

	for _, c := range due {
		id := c.ID
		go func() {
			if err := e.Execute(ctx, id); err != nil {
				logx.L().Errorw("scheduled_campaign_error", "campaign_id", id, "error", err)
			}
		}()
	}
}

// RunScheduler polls for due campaigns on a fixed interval until ctx is done.
func (e *Executor) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logx.L().Infow("scheduler_started", "interval", interval.String())
	e.CheckScheduled(ctx)

	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("scheduler_stopping")
			return
		case <-ticker.C:
			metrics.SchedulerTicksTotal.Inc()
			e.CheckScheduled(ctx)
		}
	}
}
