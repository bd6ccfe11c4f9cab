package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetwatch/internal/models"
)

// ErrSystemNotFound means the collector no longer knows the cached system id.
var ErrSystemNotFound = errors.New("system not found on collector")

// StatusError is any other non-success answer from the collector.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector status %d: %s", e.Code, e.Body)
}

// Client talks to the collector API rooted at BaseURL (".../api/v1").
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register sends the identity snapshot and returns the assigned system id.
func (c *Client) Register(ctx context.Context, info models.SystemInfo) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	res, err := c.post(ctx, "/systems/register", info)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return 0, statusError(res)
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode registration: %w", err)
	}
	if out.ID <= 0 {
		return 0, errors.New("registration response has no id")
	}
	return out.ID, nil
}

// SendMetric posts one sample. A 404 maps to ErrSystemNotFound.
func (c *Client) SendMetric(ctx context.Context, m models.Metric) error {
	res, err := c.post(ctx, "/metrics", m)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, res.Body)
		return ErrSystemNotFound
	case res.StatusCode >= 300:
		return statusError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)
	return c.HTTP.Do(req)
}

func statusError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
}
