package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avilov-dev/dmpilot/internal/campaign"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type InsertCampaignParams struct {
	TenantID    int64
	AccountID   string
	Name        string
	Message     string
	MediaURL    string
	Status      string
	ScheduledAt *time.Time
}

func (s *Store) InsertCampaign(ctx context.Context, tx *sql.Tx, p InsertCampaignParams) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
	INSERT INTO campaigns (tenant_id, account_id, name, message, media_url, status, scheduled_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		p.TenantID, p.AccountID, p.Name, p.Message, p.MediaURL, p.Status, p.ScheduledAt).Scan(&id)
	return id, err
}

func (s *Store) InsertRecipient(ctx context.Context, tx *sql.Tx, campaignID int64, externalID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO recipients (campaign_id, external_id, status)
		VALUES ($1,$2,'pending') RETURNING id
	`, campaignID, externalID).Scan(&id)
	return id, err
}

func (s *Store) InsertStep(ctx context.Context, tx *sql.Tx, st campaign.Step) (int64, error) {
	var cond any
	if st.Condition != nil {
		b, err := json.Marshal(st.Condition)
		if err != nil {
			return 0, err
		}
		cond = string(b)
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO steps (campaign_id, step_order, message, media_url, delay_hours, condition)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
	`, st.CampaignID, st.StepOrder, st.Message, st.MediaURL, st.DelayHours, cond).Scan(&id)
	return id, err
}

const campaignCols = `id, tenant_id, account_id, name, message, media_url, status,
	total_recipients, sent_count, failed_count, delivered_count, read_count,
	scheduled_at, started_at, completed_at, created_at`

func scanCampaign(row interface{ Scan(...any) error }) (campaign.Campaign, error) {
	var c campaign.Campaign
	var scheduledAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.AccountID, &c.Name, &c.Message, &c.MediaURL, &c.Status,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.DeliveredCount, &c.ReadCount,
		&scheduledAt, &startedAt, &completedAt, &c.CreatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx, `
		SELECT `+campaignCols+`
		FROM campaigns
		WHERE id = $1 AND status <> 'deleted'
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("campaign %d: %w", id, campaign.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListCampaigns(ctx context.Context, tenantID int64, limit, offset int) ([]campaign.Campaign, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+campaignCols+`
		FROM campaigns
		WHERE tenant_id = $1 AND status <> 'deleted'
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListDueScheduledCampaigns(ctx context.Context, now time.Time, excludeIDs []int64) ([]campaign.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+campaignCols+`
		FROM campaigns
		WHERE status = 'scheduled'
		  AND scheduled_at <= $1
		  AND NOT (id = ANY($2))
		ORDER BY scheduled_at
	`, now, int64Slice(excludeIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MarkCampaignSending(ctx context.Context, id int64, total int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status='sending', started_at=NOW(), total_recipients=$2
		 WHERE id=$1
	`, id, total)
	return err
}

func (s *Store) MarkCampaignCompleted(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status='completed', completed_at=NOW()
		 WHERE id=$1
	`, id)
	return err
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id int64, status, errText string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status=$2, last_error=NULLIF($3,'')
		 WHERE id=$1
	`, id, status, errText)
	return err
}

func (s *Store) IncrementCampaignCounters(ctx context.Context, id int64, sentDelta, failedDelta int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET sent_count = sent_count + $2,
		       failed_count = failed_count + $3
		 WHERE id=$1
	`, id, sentDelta, failedDelta)
	return err
}

func (s *Store) GetRecipient(ctx context.Context, id int64) (campaign.Recipient, error) {
	var r campaign.Recipient
	var errText sql.NullString
	var sentAt, deliveredAt, readAt sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, external_id, status, error, sent_at, delivered_at, read_at
		FROM recipients
		WHERE id = $1
	`, id).Scan(&r.ID, &r.CampaignID, &r.ExternalID, &r.Status, &errText, &sentAt, &deliveredAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Recipient{}, fmt.Errorf("recipient %d: %w", id, campaign.ErrNotFound)
	}
	if err != nil {
		return campaign.Recipient{}, err
	}
	r.Error = errText.String
	r.SentAt = timePtr(sentAt)
	r.DeliveredAt = timePtr(deliveredAt)
	r.ReadAt = timePtr(readAt)
	return r, nil
}

func (s *Store) ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, campaign_id, external_id, status, error, sent_at, delivered_at, read_at
		FROM recipients
		WHERE campaign_id = $1
		ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Recipient
	for rows.Next() {
		var r campaign.Recipient
		var errText sql.NullString
		var sentAt, deliveredAt, readAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.ExternalID, &r.Status, &errText, &sentAt, &deliveredAt, &readAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.SentAt = timePtr(sentAt)
		r.DeliveredAt = timePtr(deliveredAt)
		r.ReadAt = timePtr(readAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkRecipientSent(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE recipients
		   SET status='sent', sent_at=NOW(), error=NULL
		 WHERE id=$1
	`, id)
	return err
}

func (s *Store) MarkRecipientFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE recipients
		   SET status='failed', error=$2
		 WHERE id=$1
	`, id, errText)
	return err
}

func (s *Store) ListSteps(ctx context.Context, campaignID int64) ([]campaign.Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, campaign_id, step_order, message, media_url, delay_hours, condition
		FROM steps
		WHERE campaign_id = $1
		ORDER BY step_order
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Step
	for rows.Next() {
		var st campaign.Step
		var cond []byte
		if err := rows.Scan(&st.ID, &st.CampaignID, &st.StepOrder, &st.Message, &st.MediaURL, &st.DelayHours, &cond); err != nil {
			return nil, err
		}
		if len(cond) > 0 {
			var tc campaign.TriggerCondition
			if err := json.Unmarshal(cond, &tc); err != nil {
				return nil, fmt.Errorf("step %d: bad condition: %w", st.ID, err)
			}
			st.Condition = &tc
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CreateActivityLog(ctx context.Context, campaignID, recipientID int64, action, detail string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO activity_logs (campaign_id, recipient_id, action, detail)
		VALUES ($1,$2,$3,NULLIF($4,''))
	`, campaignID, recipientID, action, detail)
	return err
}

func (s *Store) InsertWebhookEndpoint(ctx context.Context, ep campaign.WebhookEndpoint) (int64, error) {
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO webhook_endpoints (tenant_id, url, events, secret, is_active)
		VALUES ($1,$2,$3,$4,TRUE) RETURNING id
	`, ep.TenantID, ep.URL, string(events), ep.Secret).Scan(&id)
	return id, err
}

func (s *Store) ListWebhookEndpoints(ctx context.Context, tenantID int64) ([]campaign.WebhookEndpoint, error) {
	return s.queryEndpoints(ctx, `
		SELECT id, tenant_id, url, events, secret, is_active
		FROM webhook_endpoints
		WHERE tenant_id = $1
		ORDER BY id
	`, tenantID)
}

func (s *Store) ListActiveWebhookEndpoints(ctx context.Context, tenantID int64, eventType string) ([]campaign.WebhookEndpoint, error) {
	filter, err := json.Marshal([]string{eventType})
	if err != nil {
		return nil, err
	}
	return s.queryEndpoints(ctx, `
		SELECT id, tenant_id, url, events, secret, is_active
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND is_active AND events @> $2::jsonb
		ORDER BY id
	`, tenantID, string(filter))
}

func (s *Store) queryEndpoints(ctx context.Context, query string, args ...any) ([]campaign.WebhookEndpoint, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.WebhookEndpoint
	for rows.Next() {
		var ep campaign.WebhookEndpoint
		var events []byte
		if err := rows.Scan(&ep.ID, &ep.TenantID, &ep.URL, &events, &ep.Secret, &ep.IsActive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &ep.Events); err != nil {
			return nil, fmt.Errorf("endpoint %d: bad events: %w", ep.ID, err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) CreateDeliveryLog(ctx context.Context, endpointID int64, eventType string, payload []byte) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO delivery_logs (endpoint_id, event_type, payload, status, retry_count, sent_at)
		VALUES ($1,$2,$3,'pending',0,NOW()) RETURNING id
	`, endpointID, eventType, payload).Scan(&id)
	return id, err
}

// UpdateDeliveryLog applies a partial update; only non-nil fields of upd are
// written, so status transitions stay monotonic on the caller's side.
func (s *Store) UpdateDeliveryLog(ctx context.Context, id int64, upd campaign.DeliveryUpdate) error {
	set := []string{"status = $2"}
	args := []any{id, upd.Status}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.HTTPStatus != nil {
		add("http_status", *upd.HTTPStatus)
	}
	if upd.Response != nil {
		add("response", *upd.Response)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}

	query := "UPDATE delivery_logs SET " + strings.Join(set, ", ") + " WHERE id = $1"
	_, err := s.DB.ExecContext(ctx, query, args...)
	return err
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type int64Slice []int64

func (a int64Slice) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte('}')
	return b.String(), nil
}
