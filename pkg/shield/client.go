// Package shield provides the Go SDK for the AutoShield engine API:
// submitting security events, reading reputation, and driving operator
// actions against a running engine.
package shield

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// EventRequest is the payload for SubmitEvent.
type EventRequest struct {
	EventType     string            `json:"event_type"`
	SourceAddress string            `json:"source_address"`
	Severity      string            `json:"severity,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Assessment mirrors the engine's scoring output.
type Assessment struct {
	Score             int      `json:"score"`
	Band              string   `json:"severity_band"`
	RecommendedAction string   `json:"recommended_action"`
	Reasoning         []string `json:"reasoning"`
	AccountCompromise bool     `json:"account_compromise"`
}

// Response is one action taken (or skipped) while handling an event.
type Response struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Target  string `json:"target,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// EventResult is the engine's reply to a submitted event.
type EventResult struct {
	CorrelationID string     `json:"correlation_id"`
	Assessment    Assessment `json:"assessment"`
	Responses     []Response `json:"responses,omitempty"`
}

// Reputation is the per-address view returned by GetReputation.
type Reputation struct {
	Address     string    `json:"address"`
	EventCount  int       `json:"event_count"`
	LastScanAt  time.Time `json:"last_scan_at"`
	Blocked     bool      `json:"blocked"`
	Whitelisted bool      `json:"whitelisted"`
}

// ToolStatus is the tool provider connection state.
type ToolStatus struct {
	State       string    `json:"state"`
	Addr        string    `json:"addr"`
	Attempts    int       `json:"connection_attempts"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// InvocationResult is a tool invocation outcome.
type InvocationResult struct {
	Tool     string `json:"tool_name"`
	Success  bool   `json:"success"`
	Payload  string `json:"payload,omitempty"`
	Err      string `json:"error,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}

// ActionResult is a defense-channel action outcome.
type ActionResult struct {
	Action  string `json:"action"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
}

// BlockResult is the reply to Block and Unblock.
type BlockResult struct {
	Blocked   bool              `json:"blocked"`
	Unblocked bool              `json:"unblocked"`
	Tool      *InvocationResult `json:"tool,omitempty"`
	Defense   *ActionResult     `json:"defense,omitempty"`
}

// Client is the AutoShield SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken attaches an operator Bearer token to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the request timeout on the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client for the engine at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login exchanges the static operator secret for a session token and
// attaches it to the client.
func (c *Client) Login(ctx context.Context, secret string) (string, error) {
	var resp struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	if err := c.post(ctx, "/api/v1/auth/token", map[string]string{"secret": secret}, &resp); err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Role, nil
}

// Token returns the session token currently attached to the client.
func (c *Client) Token() string { return c.token }

// SubmitEvent delivers one security event and returns the engine's decision.
func (c *Client) SubmitEvent(ctx context.Context, req EventRequest) (*EventResult, error) {
	var res EventResult
	if err := c.post(ctx, "/api/v1/events", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetReputation returns the reputation snapshot for an address.
func (c *Client) GetReputation(ctx context.Context, address string) (*Reputation, error) {
	var rep Reputation
	if err := c.get(ctx, "/api/v1/reputation/"+url.PathEscape(address), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetToolStatus returns the tool provider connection state.
func (c *Client) GetToolStatus(ctx context.Context) (*ToolStatus, error) {
	var st ToolStatus
	if err := c.get(ctx, "/api/v1/tools/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Scan triggers a manual scan of an address. deep selects the comprehensive
// vulnerability scan instead of the quick scan.
func (c *Client) Scan(ctx context.Context, address string, deep bool) (*InvocationResult, error) {
	var res InvocationResult
	body := map[string]any{"address": address, "deep": deep}
	if err := c.post(ctx, "/api/v1/scan", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Block blocks an address on every available channel.
func (c *Client) Block(ctx context.Context, address, reason string) (*BlockResult, error) {
	var res BlockResult
	body := map[string]string{"address": address, "reason": reason}
	if err := c.post(ctx, "/api/v1/block", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Unblock removes the block on every channel.
func (c *Client) Unblock(ctx context.Context, address string) (*BlockResult, error) {
	var res BlockResult
	if err := c.post(ctx, "/api/v1/unblock", map[string]string{"address": address}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SystemHealth returns the defended host's health report.
func (c *Client) SystemHealth(ctx context.Context) (*InvocationResult, error) {
	var res InvocationResult
	if err := c.get(ctx, "/api/v1/system/health", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FailedLogins returns the failed-login report over the trailing hours.
func (c *Client) FailedLogins(ctx context.Context, hours int) (*InvocationResult, error) {
	var res InvocationResult
	path := "/api/v1/logs/failed-logins?hours=" + strconv.Itoa(hours)
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ScheduleShutdown schedules a host shutdown. Requires an admin token.
func (c *Client) ScheduleShutdown(ctx context.Context, delayMinutes int) (*ActionResult, error) {
	return c.powerAction(ctx, "/api/v1/power/shutdown", delayMinutes)
}

// ScheduleReboot schedules a host reboot. Requires an admin token.
func (c *Client) ScheduleReboot(ctx context.Context, delayMinutes int) (*ActionResult, error) {
	return c.powerAction(ctx, "/api/v1/power/reboot", delayMinutes)
}

// CancelPowerAction cancels a pending shutdown or reboot.
func (c *Client) CancelPowerAction(ctx context.Context) (*ActionResult, error) {
	return c.powerAction(ctx, "/api/v1/power/cancel", 0)
}

func (c *Client) powerAction(ctx context.Context, path string, delayMinutes int) (*ActionResult, error) {
	var res ActionResult
	if err := c.post(ctx, path, map[string]int{"delay_minutes": delayMinutes}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ── HTTP plumbing ────────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("unauthorized: %s", string(body))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
