package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/rmq"
)

type Store interface {
	LogStore
	ListActiveWebhookEndpoints(ctx context.Context, tenantID int64, eventType string) ([]campaign.WebhookEndpoint, error)
	CreateDeliveryLog(ctx context.Context, endpointID int64, eventType string, payload []byte) (int64, error)
}

// Dispatcher consumes event envelopes from the queue and fans each one out
// to the tenant's subscribed endpoints through a bounded worker pool.
type Dispatcher struct {
	store     Store
	cons      *rmq.Consumer
	deliverer *Deliverer
	workers   int
}

func NewDispatcher(st Store, cons *rmq.Consumer, del *Deliverer, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{store: st, cons: cons, deliverer: del, workers: workers}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	msgs, err := d.cons.Consume()
	if err != nil {
		return err
	}
	logx.L().Infow("dispatcher_started", "queue", d.cons.Queue, "workers", d.workers)

	sem := make(chan struct{}, d.workers)
	for {
		select {
		case <-ctx.Done():
			logx.L().Infow("dispatcher_stopping")
			return ctx.Err()

		case m, ok := <-msgs:
			if !ok {
				logx.L().Warnw("consumer_channel_closed")
				return nil
			}

			var env campaign.EventEnvelope
			if err := json.Unmarshal(m.Body, &env); err != nil {
				logx.L().Warnw("event_unmarshal_error", "error", err)
				_ = m.Ack(false)
				continue
			}

			lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			endpoints, err := d.store.ListActiveWebhookEndpoints(lctx, env.TenantID, env.Event.Type)
			cancel()
			if err != nil {
				logx.L().Errorw("db_list_endpoints_error",
					"tenant_id", env.TenantID, "event_type", env.Event.Type, "error", err)
				_ = m.Nack(false, true)
				continue
			}

			for _, ep := range endpoints {
				cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				logID, err := d.store.CreateDeliveryLog(cctx, ep.ID, env.Event.Type, m.Body)
				cancel()
				if err != nil {
					logx.L().Errorw("db_create_delivery_log_error",
						"endpoint_id", ep.ID, "event_id", env.Event.ID, "error", err)
					continue
				}

				ep, ev, logID := ep, env.Event, logID
				sem <- struct{}{}
				go func() {
					defer func() { <-sem }()
					d.deliverer.Deliver(ctx, ep, ev, logID)
				}()
			}
			_ = m.Ack(false)
		}
	}
}
