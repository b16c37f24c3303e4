package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/internal/sequence"
	"github.com/avilov-dev/dmpilot/internal/store"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
	"github.com/avilov-dev/dmpilot/pkg/rmq"
)

type storeAPI interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	InsertCampaign(ctx context.Context, tx *sql.Tx, p store.InsertCampaignParams) (int64, error)
	InsertRecipient(ctx context.Context, tx *sql.Tx, campaignID int64, externalID string) (int64, error)
	InsertStep(ctx context.Context, tx *sql.Tx, st campaign.Step) (int64, error)
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID int64, limit, offset int) ([]campaign.Campaign, error)
	InsertWebhookEndpoint(ctx context.Context, ep campaign.WebhookEndpoint) (int64, error)
	ListWebhookEndpoints(ctx context.Context, tenantID int64) ([]campaign.WebhookEndpoint, error)
}

type publisherAPI interface {
	PublishJSON(ctx context.Context, body []byte) error
}

type storeAdapter struct{ *store.Store }
type publisherAdapter struct{ *rmq.Publisher }

type Handlers struct {
	Store storeAPI
	Pub   publisherAPI
}

func NewHandlers(s *store.Store, pub *rmq.Publisher) *Handlers {
	return &Handlers{Store: &storeAdapter{s}, Pub: &publisherAdapter{pub}}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.CreateCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Unknown operators and branch names are rejected here, at creation
	// time, never silently matched during execution.
	for _, st := range req.Steps {
		if err := sequence.ValidateCondition(st.Condition); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "step " + strconv.Itoa(st.StepOrder) + ": " + err.Error()})
			return
		}
	}

	status := campaign.StatusDraft
	if req.ScheduledAt != nil {
		status = campaign.StatusScheduled
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var campaignID int64
	err := h.Store.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := h.Store.InsertCampaign(ctx, tx, store.InsertCampaignParams{
			TenantID:    req.TenantID,
			AccountID:   req.AccountID,
			Name:        req.Name,
			Message:     req.Message,
			MediaURL:    req.MediaURL,
			Status:      status,
			ScheduledAt: req.ScheduledAt,
		})
		if err != nil {
			return err
		}
		campaignID = id

		for _, ext := range req.Recipients {
			if _, err := h.Store.InsertRecipient(ctx, tx, campaignID, ext); err != nil {
				return err
			}
		}
		for _, st := range req.Steps {
			_, err := h.Store.InsertStep(ctx, tx, campaign.Step{
				CampaignID: campaignID,
				StepOrder:  st.StepOrder,
				Message:    st.Message,
				MediaURL:   st.MediaURL,
				DelayHours: st.DelayHours,
				Condition:  st.Condition,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logx.L().Errorw("create_campaign_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, campaign.CreateCampaignResp{ID: campaignID})
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	c.JSON(http.StatusOK, campaign.CampaignDetails{
		ID:          camp.ID,
		TenantID:    camp.TenantID,
		AccountID:   camp.AccountID,
		Name:        camp.Name,
		Message:     camp.Message,
		MediaURL:    camp.MediaURL,
		Status:      camp.Status,
		ScheduledAt: camp.ScheduledAt,
		StartedAt:   camp.StartedAt,
		CompletedAt: camp.CompletedAt,
		CreatedAt:   camp.CreatedAt,
		Stats:       statsOf(camp),
	})
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Query("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, err := h.Store.ListCampaigns(ctx, tenantID, limit, offset)
	if err != nil {
		logx.L().Errorw("list_campaigns_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list error"})
		return
	}

	out := make([]campaign.CampaignListItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, campaign.CampaignListItem{
			ID:          r.ID,
			Name:        r.Name,
			Status:      r.Status,
			ScheduledAt: r.ScheduledAt,
			CreatedAt:   r.CreatedAt,
			Stats:       statsOf(r),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) CreateWebhook(c *gin.Context) {
	var req campaign.CreateWebhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ep := campaign.WebhookEndpoint{
		TenantID: req.TenantID,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   uuid.NewString(),
		IsActive: true,
	}
	id, err := h.Store.InsertWebhookEndpoint(ctx, ep)
	if err != nil {
		logx.L().Errorw("create_webhook_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// The secret is returned once, on creation.
	c.JSON(http.StatusOK, campaign.WebhookResp{
		ID:       id,
		TenantID: ep.TenantID,
		URL:      ep.URL,
		Events:   ep.Events,
		Secret:   ep.Secret,
		IsActive: true,
	})
}

func (h *Handlers) ListWebhooks(c *gin.Context) {
	tenantID, err := strconv.ParseInt(c.Query("tenant_id"), 10, 64)
	if err != nil || tenantID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	eps, err := h.Store.ListWebhookEndpoints(ctx, tenantID)
	if err != nil {
		logx.L().Errorw("list_webhooks_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list error"})
		return
	}

	out := make([]campaign.WebhookResp, 0, len(eps))
	for _, ep := range eps {
		out = append(out, campaign.WebhookResp{
			ID:       ep.ID,
			TenantID: ep.TenantID,
			URL:      ep.URL,
			Events:   ep.Events,
			IsActive: ep.IsActive,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) IngestEvent(c *gin.Context) {
	var req campaign.IngestEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	env := campaign.EventEnvelope{
		TenantID: req.TenantID,
		Event: campaign.Event{
			ID:        uuid.NewString(),
			Type:      req.Type,
			Timestamp: time.Now().UTC(),
			Data:      req.Data,
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "marshal error"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.Pub.PublishJSON(ctx, body); err != nil {
		logx.L().Errorw("publish_event_error", "event_type", req.Type, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "queue unavailable"})
		return
	}
	metrics.PublishedEventsTotal.WithLabelValues(req.Type).Inc()

	c.JSON(http.StatusOK, campaign.IngestEventResp{ID: env.Event.ID})
}

func statsOf(c campaign.Campaign) campaign.CampaignStats {
	return campaign.CampaignStats{
		Total:     c.TotalRecipients,
		Sent:      c.SentCount,
		Failed:    c.FailedCount,
		Delivered: c.DeliveredCount,
		Read:      c.ReadCount,
	}
}
