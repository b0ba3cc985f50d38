package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvid-labs/skald/internal/config"
	"github.com/corvid-labs/skald/internal/httpkit"
)

// HTTPClient binds the device against the account cloud's HTTP API.
type HTTPClient struct {
	endpoint  string
	deviceID  string
	deviceKey string
	http      *http.Client
	logger    *slog.Logger
}

// NewHTTPClient creates a cloud client from the cloud configuration.
func NewHTTPClient(cfg config.CloudConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		endpoint:  cfg.Endpoint,
		deviceID:  cfg.DeviceID,
		deviceKey: cfg.DeviceKey,
		http: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type bindRequest struct {
	DeviceID  string `json:"deviceId"`
	DeviceKey string `json:"deviceKey"`
	MasterID  string `json:"masterId,omitempty"`
}

type bindResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Profile *Profile `json:"profile,omitempty"`
}

// Bind requests device credentials for the given account. An empty
// masterID means the device has never been bound, which the cloud
// rejects with ErrBindMasterRequired.
func (c *HTTPClient) Bind(ctx context.Context, masterID string) (*Profile, error) {
	if masterID == "" {
		return nil, ErrBindMasterRequired
	}

	body, err := json.Marshal(bindRequest{
		DeviceID:  c.deviceID,
		DeviceKey: c.deviceKey,
		MasterID:  masterID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bind request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/device/bind", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build bind request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bind request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bind request: http %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out bindResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode bind response: %w", err)
	}
	if out.Code != CodeBindSuccess || out.Profile == nil {
		return nil, fmt.Errorf("bind rejected: code %d: %s", out.Code, out.Message)
	}
	return out.Profile, nil
}
