package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client submits tasks to a bot runner over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the runner base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid runner base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// Builds can take minutes.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents a transport level error response.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("runner request failed with status %d", e.Status)
	}
	return fmt.Sprintf("runner request failed (%d): %s", e.Status, e.Message)
}

// TaskError is a failure envelope returned by a task.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the task response.
type Envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// Err returns the task failure, if any.
func (e Envelope) Err() error {
	if e.Status == "success" {
		return nil
	}
	if e.Error != nil {
		return e.Error
	}
	return fmt.Errorf("task returned status %q", e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// RunTask submits a task and returns its envelope. A failure envelope is not
// an error here; use Envelope.Err.
func (c *Client) RunTask(ctx context.Context, task string, params any, timeoutSeconds int) (Envelope, error) {
	path := "/tasks/" + url.PathEscape(task)
	if timeoutSeconds > 0 {
		path += fmt.Sprintf("?timeout_seconds=%d", timeoutSeconds)
	}
	if params == nil {
		params = map[string]any{}
	}
	var env Envelope
	if err := c.do(ctx, http.MethodPost, path, params, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// RegistryAuth authenticates an image pull.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResourceLimits overrides the runner defaults for one bot.
type ResourceLimits struct {
	MemoryMB     *int     `json:"memory_mb,omitempty"`
	CPUCores     *float64 `json:"cpu_cores,omitempty"`
	PidsLimit    *int64   `json:"pids_limit,omitempty"`
	TimeoutHours *int     `json:"timeout_hours,omitempty"`
}

// StartBotInput is the start_bot payload. Only the fields of DeploymentMode may be set.
type StartBotInput struct {
	TenantID       string            `json:"tenant_id"`
	BotID          string            `json:"bot_id"`
	DeploymentMode string            `json:"deployment_mode"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resource_limits,omitempty"`

	Code         string            `json:"code,omitempty"`
	Files        map[string]string `json:"files,omitempty"`
	Requirements []string          `json:"requirements,omitempty"`
	Entrypoint   string            `json:"entrypoint,omitempty"`

	Archive    string `json:"archive,omitempty"`
	ArchiveURL string `json:"archive_url,omitempty"`
	GitRepo    string `json:"git_repo,omitempty"`
	GitBranch  string `json:"git_branch,omitempty"`
	GitSubdir  string `json:"git_subdir,omitempty"`

	DockerImage  string        `json:"docker_image,omitempty"`
	RegistryAuth *RegistryAuth `json:"registry_auth,omitempty"`
}

// StartBot runs start_bot.
func (c *Client) StartBot(ctx context.Context, input StartBotInput) (Envelope, error) {
	return c.RunTask(ctx, "start_bot", input, 0)
}

func identity(tenantID, botID string) map[string]any {
	return map[string]any{"tenant_id": tenantID, "bot_id": botID}
}

// StopBot runs stop_bot.
func (c *Client) StopBot(ctx context.Context, tenantID, botID string) (Envelope, error) {
	return c.RunTask(ctx, "stop_bot", identity(tenantID, botID), 0)
}

// GetLogs runs get_logs.
func (c *Client) GetLogs(ctx context.Context, tenantID, botID string, lines int) (Envelope, error) {
	params := identity(tenantID, botID)
	if lines > 0 {
		params["lines"] = lines
	}
	return c.RunTask(ctx, "get_logs", params, 0)
}

// ListBots runs list_bots.
func (c *Client) ListBots(ctx context.Context, tenantID string) (Envelope, error) {
	return c.RunTask(ctx, "list_bots", map[string]any{"tenant_id": tenantID}, 0)
}

// CheckStatus runs check_status.
func (c *Client) CheckStatus(ctx context.Context, tenantID, botID string) (Envelope, error) {
	return c.RunTask(ctx, "check_status", identity(tenantID, botID), 0)
}

// Event is a journaled lifecycle event.
type Event struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	BotID       string    `json:"bot_id"`
	Action      string    `json:"action"`
	ContainerID string    `json:"container_id,omitempty"`
	ExitCode    string    `json:"exit_code,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// RecentEvents returns the newest journaled events of a tenant.
func (c *Client) RecentEvents(ctx context.Context, tenantID string, limit int) ([]Event, error) {
	q := url.Values{"tenant_id": {tenantID}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Health returns nil when the runner reports ok.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
