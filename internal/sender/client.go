package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client sends direct messages through the platform's messages endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type sendDMRequest struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	MediaURL    string `json:"media_url,omitempty"`
}

func (c *Client) SendDM(ctx context.Context, recipientExternalID, text, mediaURL string) error {
	payload, err := json.Marshal(sendDMRequest{
		RecipientID: recipientExternalID,
		Text:        text,
		MediaURL:    mediaURL,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	excerpt := readExcerpt(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("send dm: rate limit exceeded, status 429: %s", excerpt)
	}
	return fmt.Errorf("send dm: status %d: %s", resp.StatusCode, excerpt)
}

func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
