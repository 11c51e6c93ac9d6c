// Package bots implements the bot management tasks on top of the build,
// lifecycle and quota components.
package bots

import (
	"context"
	"encoding/json"
	"errors"

	"log/slog"

	"github.com/splax/botrunner/internal/build"
	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/lifecycle"
	"github.com/splax/botrunner/internal/policy"
	"github.com/splax/botrunner/internal/quota"
	"github.com/splax/botrunner/internal/worker"
)

// Task names.
const (
	TaskStartBot    = "start_bot"
	TaskStopBot     = "stop_bot"
	TaskGetLogs     = "get_logs"
	TaskListBots    = "list_bots"
	TaskCheckStatus = "check_status"
)

// Builder produces images from build requests.
type Builder interface {
	Build(ctx context.Context, id domain.Identity, req build.Request) (build.Image, error)
}

// Lifecycle drives bot containers.
type Lifecycle interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (lifecycle.StartResult, error)
	Stop(ctx context.Context, id domain.Identity) (lifecycle.StopResult, error)
	Logs(ctx context.Context, id domain.Identity, lines int) (lifecycle.LogsResult, error)
	List(ctx context.Context, tenantID string) ([]domain.ContainerRecord, error)
	Status(ctx context.Context, id domain.Identity) (domain.ContainerRecord, bool, error)
}

// Quota admits new bots.
type Quota interface {
	Check(ctx context.Context, id domain.Identity) (quota.Decision, error)
	Reserve(ctx context.Context, id domain.Identity) (func(), quota.Decision, error)
	Max() int
}

// Service handles bot management tasks.
type Service struct {
	builder   Builder
	lifecycle Lifecycle
	quota     Quota
	policy    policy.Policy
	log       *slog.Logger
}

// New constructs a Service.
func New(builder Builder, lc Lifecycle, q Quota, pol policy.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		builder:   builder,
		lifecycle: lc,
		quota:     q,
		policy:    pol,
		log:       logger.With("component", "bots"),
	}
}

// Register binds every bot task to w in the bot_management category.
func (s *Service) Register(w *worker.Worker) error {
	tasks := []struct {
		name string
		code domain.ErrorCode
		h    worker.Handler
	}{
		{TaskStartBot, domain.CodeContainerError, s.StartBot},
		{TaskStopBot, domain.CodeStopError, s.StopBot},
		{TaskGetLogs, domain.CodeLogsError, s.GetLogs},
		{TaskListBots, domain.CodeListError, s.ListBots},
		{TaskCheckStatus, domain.CodeStatusError, s.CheckStatus},
	}
	for _, t := range tasks {
		if err := w.Register(t.name, worker.CategoryBotManagement, t.code, t.h); err != nil {
			return err
		}
	}
	return nil
}

// StartData is returned by a successful start_bot.
type StartData struct {
	lifecycle.StartResult
	Image       string             `json:"image"`
	ImageOrigin domain.ImageOrigin `json:"image_origin"`
}

// StartBot checks the quota, builds or pulls the image and runs it.
func (s *Service) StartBot(ctx context.Context, raw json.RawMessage) worker.Envelope {
	p, mode, err := decodeStart(raw)
	if err != nil {
		return s.failure(domain.CodeContainerError, err)
	}
	id, err := p.identity()
	if err != nil {
		return s.failure(domain.CodeContainerError, err)
	}
	limits, err := s.policy.Limits(p.ResourceLimits)
	if err != nil {
		return s.failure(domain.CodeContainerError, err)
	}
	log := s.log.With("tenant_id", id.TenantID, "bot_id", id.BotID)
	log.Info("starting bot", "mode", mode)

	// Rejected requests skip the build; the count is repeated under the
	// tenant lock right before the container starts.
	if _, err := s.quota.Check(ctx, id); err != nil {
		return s.failure(domain.CodeContainerError, err)
	}

	img, err := s.builder.Build(ctx, id, p.request(mode))
	if err != nil {
		return s.failure(domain.CodeContainerError, err)
	}

	release, _, err := s.quota.Reserve(ctx, id)
	if err != nil {
		log.Info("quota reached while building", "image", img.Reference)
		return s.failure(domain.CodeContainerError, err)
	}
	res, err := s.lifecycle.Start(ctx, lifecycle.StartRequest{
		Identity: id,
		Image:    img.Reference,
		Origin:   img.Origin,
		Env:      p.EnvVars,
		Limits:   limits,
	})
	release()
	if err != nil {
		return s.failure(domain.CodeContainerError, err)
	}
	log.Info("bot started", "status", res.Status, "container_id", res.ContainerID)
	return worker.Success(StartData{StartResult: res, Image: img.Reference, ImageOrigin: img.Origin})
}

// StopBot stops and removes a bot.
func (s *Service) StopBot(ctx context.Context, raw json.RawMessage) worker.Envelope {
	var p identityParams
	if err := decode(raw, &p); err != nil {
		return s.failure(domain.CodeStopError, err)
	}
	id, err := p.identity()
	if err != nil {
		return s.failure(domain.CodeStopError, err)
	}
	s.log.Info("stopping bot", "tenant_id", id.TenantID, "bot_id", id.BotID)
	res, err := s.lifecycle.Stop(ctx, id)
	if err != nil {
		return s.failure(domain.CodeStopError, err)
	}
	return worker.Success(res)
}

// GetLogs returns the tail of a bot's output.
func (s *Service) GetLogs(ctx context.Context, raw json.RawMessage) worker.Envelope {
	var p logsParams
	if err := decode(raw, &p); err != nil {
		return s.failure(domain.CodeLogsError, err)
	}
	id, err := p.identity()
	if err != nil {
		return s.failure(domain.CodeLogsError, err)
	}
	res, err := s.lifecycle.Logs(ctx, id, p.Lines)
	if err != nil {
		return s.failure(domain.CodeLogsError, err)
	}
	return worker.Success(res)
}

// ListData is returned by list_bots.
type ListData struct {
	Bots    []domain.ContainerRecord `json:"bots"`
	Count   int                      `json:"count"`
	MaxBots int                      `json:"max_bots"`
}

// ListBots lists a tenant's bots.
func (s *Service) ListBots(ctx context.Context, raw json.RawMessage) worker.Envelope {
	var p identityParams
	if err := decode(raw, &p); err != nil {
		return s.failure(domain.CodeListError, err)
	}
	tenant, err := p.tenant()
	if err != nil {
		return s.failure(domain.CodeListError, err)
	}
	bots, err := s.lifecycle.List(ctx, tenant)
	if err != nil {
		return s.failure(domain.CodeListError, err)
	}
	return worker.Success(ListData{Bots: bots, Count: len(bots), MaxBots: s.quota.Max()})
}

// StatusData is returned by check_status. Record fields are inlined when the
// bot exists.
type StatusData struct {
	Exists bool   `json:"exists"`
	BotID  string `json:"bot_id"`
	*domain.ContainerRecord
}

// CheckStatus reports whether a bot exists and its record.
func (s *Service) CheckStatus(ctx context.Context, raw json.RawMessage) worker.Envelope {
	var p identityParams
	if err := decode(raw, &p); err != nil {
		return s.failure(domain.CodeStatusError, err)
	}
	id, err := p.identity()
	if err != nil {
		return s.failure(domain.CodeStatusError, err)
	}
	rec, ok, err := s.lifecycle.Status(ctx, id)
	if err != nil {
		return s.failure(domain.CodeStatusError, err)
	}
	if !ok {
		return worker.Success(StatusData{Exists: false, BotID: id.BotID})
	}
	return worker.Success(StatusData{Exists: true, BotID: id.BotID, ContainerRecord: &rec})
}

// failure maps err onto an envelope; fallback is used for unclassified errors.
func (s *Service) failure(fallback domain.ErrorCode, err error) worker.Envelope {
	var (
		quotaErr *domain.QuotaError
		buildErr *domain.BuildError
		modeErr  *invalidModeError
	)
	switch {
	case errors.As(err, &modeErr):
		env := worker.Failure(domain.CodeInvalidMode, modeErr.Error(), nil)
		env.Error.Hint = "Use 'simple', 'custom', or 'image'"
		return env
	case domain.IsValidation(err):
		return worker.Failure(domain.CodeValidationError, err.Error(), nil)
	case errors.As(err, &quotaErr):
		active := quotaErr.Active
		if active == nil {
			active = []domain.ContainerRecord{}
		}
		return worker.Failure(domain.CodeQuotaExceeded, quotaErr.Error(), map[string]any{
			"current_bots": quotaErr.Current,
			"max_bots":     quotaErr.Max,
			"active_bots":  active,
		})
	case errors.As(err, &buildErr):
		reason := "build_failed"
		if buildErr.Timeout {
			reason = "build_timeout"
		}
		s.log.Error("build failed", "stage", buildErr.Stage, "timeout", buildErr.Timeout, "error", err)
		return worker.Failure(domain.CodeContainerError, err.Error(), map[string]any{
			"reason": reason,
			"stage":  buildErr.Stage,
		})
	}
	s.log.Error("task failed", "code", string(fallback), "error", err)
	return worker.Failure(fallback, err.Error(), nil)
}
