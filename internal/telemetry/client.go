// Package telemetry talks to the middleware: it reads device telemetry
// snapshots and publishes prediction items.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	applyPath   = "predictions/apply"
	contentType = "application/json"
)

var ErrStatus = errors.New("unexpected status")

// Client is the middleware HTTP client.
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func NewClient(serverURL string, timeout time.Duration) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the middleware url with a scheme, e.g. `http://middleware:8000`")
	}

	return &Client{
		baseURL: parsedURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) endpoint(elem ...string) *url.URL {
	u := c.baseURL.JoinPath(elem...)
	u.RawQuery = ""
	return u
}

// Telemetry returns the telemetry snapshot of a device. An empty key asks
// for every key the middleware knows.
func (c *Client) Telemetry(ctx context.Context, deviceID, key string, limit, hours int) (json.RawMessage, error) {
	u := c.endpoint("devices", deviceID, "telemetry")
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("hours", strconv.Itoa(hours))
	if key != "" {
		q.Set("key", key)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading telemetry of %s: %w", deviceID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry of %s: %w: %d", deviceID, ErrStatus, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("telemetry of %s: invalid json", deviceID)
	}
	return json.RawMessage(body), nil
}

type applyRequest struct {
	Items []json.RawMessage `json:"items"`
}

// Publish posts items to the middleware in one batch.
func (c *Client) Publish(ctx context.Context, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	raw, err := json.Marshal(applyRequest{Items: items})
	if err != nil {
		return err
	}

	u := c.endpoint(applyPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("publishing %d items: %w: %d, body: %s", len(items), ErrStatus, resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	slog.DebugContext(ctx, "predictions published", "items", len(items))
	return nil
}
