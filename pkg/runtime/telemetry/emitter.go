package telemetry

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
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the orchestrator rejected the callback token.
var ErrUnauthorized = errors.New("lifecycle callback unauthorized")

// ErrInvalidArgument indicates the orchestrator rejected the payload.
var ErrInvalidArgument = errors.New("lifecycle callback invalid argument")

// ErrNotFound indicates the orchestrator does not know the referenced bot.
var ErrNotFound = errors.New("lifecycle callback bot not found")

// Emitter posts bot lifecycle events to the orchestrator callback URL.
type Emitter struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// Event is a container lifecycle notification for one bot.
type Event struct {
	TenantID    string
	BotID       string
	Action      string
	ContainerID string
	ExitCode    string
	Source      string
	OccurredAt  time.Time
}

// NewEmitter creates an emitter that posts to callbackURL with an optional bearer token.
func NewEmitter(callbackURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(callbackURL)
	if trimmed == "" {
		return nil, errors.New("lifecycle callback url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}, nil
}

// Emit sends the supplied event to the callback endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("lifecycle emitter not initialised")
	}
	if strings.TrimSpace(event.TenantID) == "" || strings.TrimSpace(event.BotID) == "" {
		return errors.New("lifecycle event requires tenant_id and bot_id")
	}
	body, err := json.Marshal(buildPayload(event, e.now))
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build lifecycle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send lifecycle request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	default:
		return fmt.Errorf("lifecycle callback failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn().UTC()
	} else {
		occurred = occurred.UTC()
	}
	source := strings.TrimSpace(event.Source)
	if source == "" {
		source = "bot_runner"
	}
	payload := map[string]any{
		"event":       "container_" + strings.TrimSpace(event.Action),
		"source":      source,
		"tenant_id":   strings.TrimSpace(event.TenantID),
		"user_id":     strings.TrimSpace(event.TenantID),
		"bot_id":      strings.TrimSpace(event.BotID),
		"action":      strings.TrimSpace(event.Action),
		"occurred_at": occurred.Format(time.RFC3339Nano),
	}
	if event.ContainerID != "" {
		payload["container_id"] = event.ContainerID
	}
	if event.ExitCode != "" {
		payload["exit_code"] = event.ExitCode
	}
	return payload
}
