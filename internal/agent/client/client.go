// Package client talks to the remote control plane: one-time agent
// registration at startup and the periodic stats heartbeat. The lifecycle
// core never imports this package.
package client

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

	"github.com/gridmachina/hostagent/common/retry"
)

const secretHeader = "X-Agent-Secret"

// Config holds the control-plane endpoint and credentials.
type Config struct {
	// BaseURL is the control plane's API root, without trailing slash.
	BaseURL string
	// Secret authenticates this agent.
	Secret string
	// Timeout bounds each HTTP call. Defaults to 15s.
	Timeout time.Duration
}

// Client is a thin JSON-over-HTTP client for the control plane.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client from cfg.
func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// RegisterRequest announces this agent to the control plane.
type RegisterRequest struct {
	Hostname   string `json:"hostname"`
	ListenPort int    `json:"listen_port"`
	Version    string `json:"version"`
}

// Stats is the heartbeat payload.
type Stats struct {
	CPUUtil float64 `json:"cpu_util"`
	RAMUtil float64 `json:"ram_util"`
	Status  string  `json:"status"`
}

// Register announces the agent, retrying with backoff: the control plane may
// still be coming up when the agent boots.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	cfg := retry.DefaultConfig
	cfg.MaxAttempts = 5
	cfg.ShouldRetry = retryable
	return retry.Do(ctx, cfg, func() error {
		return c.post(ctx, "/agents/register", req)
	})
}

// SendStats pushes one heartbeat sample. No retry: the next tick is the
// retry.
func (c *Client) SendStats(ctx context.Context, stats Stats) error {
	return c.post(ctx, "/agents/stats", stats)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.cfg.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &statusError{code: resp.StatusCode, path: path, body: strings.TrimSpace(string(snippet))}
	}
	return nil
}

type statusError struct {
	code int
	path string
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("post %s: control plane replied %d: %s", e.path, e.code, e.body)
}

// retryable treats network failures and server-side errors as transient;
// 4xx responses are not going to improve on retry.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true
}
