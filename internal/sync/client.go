package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"appwatch/internal/aggregate"
)

// Payload is the wire format for one hourly aggregate. The pair
// (device, hour) is its stable identity, so the server can safely
// accept a duplicate transmission after a retry.
type Payload struct {
	Timestamp string      `json:"timestamp"` // hour start, ISO-8601
	Hour      string      `json:"hour"`
	Device    string      `json:"device"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Data      PayloadData `json:"data"`
}

type PayloadData struct {
	Applications   map[string]float64 `json:"applications"`
	TotalTime      float64            `json:"total_time"`
	FilesProcessed int                `json:"files_processed"`
}

// BuildPayload wraps an hourly aggregate for transmission.
func BuildPayload(hourly aggregate.Hourly, device string) Payload {
	return Payload{
		Timestamp: hourly.HourStart.Format(time.RFC3339),
		Hour:      aggregate.HourKey(hourly.HourStart),
		Device:    device,
		Source:    "appwatch",
		Version:   "1.0",
		Data: PayloadData{
			Applications:   hourly.Applications,
			TotalTime:      hourly.TotalTime,
			FilesProcessed: hourly.MinutesPresent,
		},
	}
}

// Client posts hourly payloads to the configured endpoint with a bearer
// credential. Any non-2xx response is a delivery failure.
type Client struct {
	endpoint   string
	credential string
	httpClient *http.Client
}

func NewClient(endpoint, credential string) *Client {
	return &Client{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post hour %s: %w", payload.Hour, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post hour %s: endpoint returned status %d: %s",
			payload.Hour, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
