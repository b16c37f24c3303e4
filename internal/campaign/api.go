package campaign

import (
	"encoding/json"
	"time"
)

type StepReq struct {
	StepOrder  int               `json:"step_order" binding:"required"`
	Message    string            `json:"message"    binding:"required"`
	MediaURL   string            `json:"media_url"`
	DelayHours int               `json:"delay_hours" binding:"gte=0"`
	Condition  *TriggerCondition `json:"condition"`
}

type CreateCampaignReq struct {
	TenantID    int64      `json:"tenant_id"  binding:"required"`
	AccountID   string     `json:"account_id" binding:"required"`
	Name        string     `json:"name"       binding:"required"`
	Message     string     `json:"message"    binding:"required"`
	MediaURL    string     `json:"media_url"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Recipients  []string   `json:"recipients" binding:"required,min=1,dive,required"`
	Steps       []StepReq  `json:"steps"      binding:"omitempty,dive"`
}

type CreateCampaignResp struct {
	ID int64 `json:"id"`
}

type CampaignStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
}

type CampaignListItem struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Stats       CampaignStats `json:"stats"`
}

type CampaignDetails struct {
	ID          int64         `json:"id"`
	TenantID    int64         `json:"tenant_id"`
	AccountID   string        `json:"account_id"`
	Name        string        `json:"name"`
	Message     string        `json:"message"`
	MediaURL    string        `json:"media_url,omitempty"`
	Status      string        `json:"status"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Stats       CampaignStats `json:"stats"`
}

type CreateWebhookReq struct {
	TenantID int64    `json:"tenant_id" binding:"required"`
	URL      string   `json:"url"       binding:"required,url"`
	Events   []string `json:"events"    binding:"required,min=1,dive,required"`
}

type WebhookResp struct {
	ID       int64    `json:"id"`
	TenantID int64    `json:"tenant_id"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
	IsActive bool     `json:"is_active"`
}

type IngestEventReq struct {
	TenantID int64           `json:"tenant_id" binding:"required"`
	Type     string          `json:"type"      binding:"required"`
	Data     json.RawMessage `json:"data"`
}

type IngestEventResp struct {
	ID string `json:"id"`
}
