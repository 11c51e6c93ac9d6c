package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/botrunner/internal/docker"
	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/keylock"
	"github.com/splax/botrunner/internal/policy"
)

// Result statuses returned by the controller.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusStopped        = "stopped"
	StatusNotFound       = "not_found"
	StatusSuccess        = "success"
)

// Log tail bounds.
const (
	DefaultLogLines = 100
	MaxLogLines     = 10000
)

const defaultStopTimeout = 10 * time.Second

// Engine is the container engine surface the controller drives.
type Engine interface {
	InspectContainer(ctx context.Context, nameOrID string) (docker.ContainerState, error)
	RunContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	StopContainer(ctx context.Context, nameOrID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, ref string) error
	ContainerLogs(ctx context.Context, nameOrID string, tail int) (string, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerState, error)
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) (bool, error)
}

// StartRequest is everything needed to run an already built image.
type StartRequest struct {
	Identity domain.Identity
	Image    string
	Origin   domain.ImageOrigin
	Env      map[string]string
	Limits   domain.ResourceLimits
}

// StartResult reports the outcome of Start.
type StartResult struct {
	Status        string `json:"status"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	StartedAt     string `json:"started_at,omitempty"`
}

// StopResult reports the outcome of Stop.
type StopResult struct {
	Status        string `json:"status"`
	ContainerName string `json:"container_name"`
}

// LogsResult carries a log tail.
type LogsResult struct {
	Status          string                 `json:"status"`
	Logs            string                 `json:"logs"`
	ContainerStatus domain.ContainerStatus `json:"container_status"`
	ContainerName   string                 `json:"container_name"`
}

// Controller is the only component that changes engine container state.
type Controller struct {
	engine      Engine
	policy      policy.Policy
	logger      *slog.Logger
	stopTimeout time.Duration
	now         func() time.Time
	locks       *keylock.Mutex

	networkMu    sync.Mutex
	networkReady bool
}

// New creates a lifecycle controller.
func New(engine Engine, pol policy.Policy, stopTimeout time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Controller{
		engine:      engine,
		policy:      pol,
		logger:      logger.With("component", "lifecycle"),
		stopTimeout: stopTimeout,
		now:         time.Now,
		locks:       keylock.New(),
	}
}

// Start runs the image for an identity. A running container is left alone and
// reported as already running; a stopped one is replaced.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.Identity.Validate(); err != nil {
		return StartResult{}, err
	}
	if req.Image == "" {
		return StartResult{}, domain.Validationf("image is required")
	}
	name := req.Identity.ContainerName()
	unlock := c.locks.Lock(name)
	defer unlock()

	existing, err := c.engine.InspectContainer(ctx, name)
	switch {
	case err == nil && domain.StatusFromEngine(existing.State) == domain.StatusRunning:
		c.logger.Warn("container already running", "container_name", name, "container_id", existing.ID)
		return StartResult{
			Status:        StatusAlreadyRunning,
			ContainerID:   existing.ID,
			ContainerName: name,
			StartedAt:     existing.Labels[domain.LabelStartedAt],
		}, nil
	case err == nil:
		c.logger.Info("removing stopped container", "container_name", name, "state", existing.State)
		if err := c.engine.RemoveContainer(ctx, name); err != nil {
			return StartResult{}, &domain.LifecycleError{Op: "remove stale container", Err: err}
		}
	case !errors.Is(err, docker.ErrNotFound):
		return StartResult{}, &domain.LifecycleError{Op: "inspect container", Err: err}
	}

	if err := c.ensureNetwork(ctx); err != nil {
		return StartResult{}, &domain.LifecycleError{Op: "ensure network", Err: err}
	}

	startedAt := c.now().UTC().Format(time.RFC3339)
	origin := req.Origin
	if origin == "" {
		origin = domain.OriginBuilt
	}
	spec := docker.RunSpec{
		Name:  name,
		Image: req.Image,
		Env:   envList(req.Env),
		Labels: map[string]string{
			domain.LabelManaged:     domain.ManagedValue,
			domain.LabelTenantID:    req.Identity.TenantID,
			domain.LabelBotID:       req.Identity.BotID,
			domain.LabelStartedAt:   startedAt,
			domain.LabelImageOrigin: string(origin),
		},
		HostConfig: c.policy.HostConfig(req.Limits),
		Network:    c.policy.Network,
	}

	c.logger.Info("starting container", "container_name", name, "image", req.Image)
	id, err := c.engine.RunContainer(ctx, spec)
	if err != nil && errors.Is(err, docker.ErrNotFound) && c.policy.Network != "" {
		// The network may have been removed behind our back.
		c.resetNetwork()
		if netErr := c.ensureNetwork(ctx); netErr == nil {
			id, err = c.engine.RunContainer(ctx, spec)
		}
	}
	if err != nil {
		return StartResult{}, &domain.LifecycleError{Op: "start container", Err: err}
	}

	c.logger.Info("container started", "container_name", name, "container_id", id)
	return StartResult{
		Status:        StatusStarted,
		ContainerID:   id,
		ContainerName: name,
		StartedAt:     startedAt,
	}, nil
}

// Stop stops and removes the bot container and the image built for it.
func (c *Controller) Stop(ctx context.Context, id domain.Identity) (StopResult, error) {
	if err := id.Validate(); err != nil {
		return StopResult{}, err
	}
	name := id.ContainerName()
	unlock := c.locks.Lock(name)
	defer unlock()

	existing, err := c.engine.InspectContainer(ctx, name)
	if errors.Is(err, docker.ErrNotFound) {
		c.logger.Warn("container not found", "container_name", name)
		return StopResult{Status: StatusNotFound, ContainerName: name}, nil
	}
	if err != nil {
		return StopResult{}, &domain.LifecycleError{Op: "inspect container", Err: err}
	}

	c.logger.Info("stopping container", "container_name", name)
	if err := c.engine.StopContainer(ctx, name, c.stopTimeout); err != nil && !errors.Is(err, docker.ErrNotFound) {
		return StopResult{}, &domain.LifecycleError{Op: "stop container", Err: err}
	}
	if err := c.engine.RemoveContainer(ctx, name); err != nil {
		return StopResult{}, &domain.LifecycleError{Op: "remove container", Err: err}
	}

	if domain.ImageOrigin(existing.Labels[domain.LabelImageOrigin]) != domain.OriginPulled {
		image := id.ImageName()
		if err := c.engine.RemoveImage(ctx, image); err != nil {
			if !errors.Is(err, docker.ErrNotFound) {
				c.logger.Warn("failed to remove image", "image", image, "error", err)
			}
		} else {
			c.logger.Info("removed image", "image", image)
		}
	}

	c.logger.Info("container stopped and removed", "container_name", name)
	return StopResult{Status: StatusStopped, ContainerName: name}, nil
}

// Logs returns the last lines of a bot's output.
func (c *Controller) Logs(ctx context.Context, id domain.Identity, lines int) (LogsResult, error) {
	if err := id.Validate(); err != nil {
		return LogsResult{}, err
	}
	name := id.ContainerName()
	lines = ClampLines(lines)

	existing, err := c.engine.InspectContainer(ctx, name)
	if errors.Is(err, docker.ErrNotFound) {
		return LogsResult{Status: StatusNotFound, ContainerStatus: domain.StatusAbsent, ContainerName: name}, nil
	}
	if err != nil {
		return LogsResult{}, &domain.LifecycleError{Op: "inspect container", Err: err}
	}
	logs, err := c.engine.ContainerLogs(ctx, name, lines)
	if errors.Is(err, docker.ErrNotFound) {
		return LogsResult{Status: StatusNotFound, ContainerStatus: domain.StatusAbsent, ContainerName: name}, nil
	}
	if err != nil {
		return LogsResult{}, &domain.LifecycleError{Op: "read logs", Err: err}
	}
	return LogsResult{
		Status:          StatusSuccess,
		Logs:            logs,
		ContainerStatus: domain.StatusFromEngine(existing.State),
		ContainerName:   name,
	}, nil
}

// ClampLines applies the default and bounds to a requested log tail.
func ClampLines(lines int) int {
	switch {
	case lines <= 0:
		return DefaultLogLines
	case lines > MaxLogLines:
		return MaxLogLines
	default:
		return lines
	}
}

// List returns every managed container of a tenant, running or not.
func (c *Controller) List(ctx context.Context, tenantID string) ([]domain.ContainerRecord, error) {
	if tenantID == "" {
		return nil, domain.Validationf("tenant_id is required")
	}
	items, err := c.engine.ListContainers(ctx, map[string]string{
		domain.LabelManaged:  domain.ManagedValue,
		domain.LabelTenantID: tenantID,
	})
	if err != nil {
		return nil, &domain.LifecycleError{Op: "list containers", Err: err}
	}
	records := make([]domain.ContainerRecord, 0, len(items))
	for _, item := range items {
		if item.Labels[domain.LabelManaged] != domain.ManagedValue || item.Labels[domain.LabelTenantID] != tenantID {
			continue
		}
		records = append(records, domain.RecordFromLabels(item.ID, item.Name, item.State, item.Labels))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ContainerName < records[j].ContainerName })
	return records, nil
}

// Status returns the record of a single bot and whether it exists.
func (c *Controller) Status(ctx context.Context, id domain.Identity) (domain.ContainerRecord, bool, error) {
	if err := id.Validate(); err != nil {
		return domain.ContainerRecord{}, false, err
	}
	name := id.ContainerName()
	state, err := c.engine.InspectContainer(ctx, name)
	if errors.Is(err, docker.ErrNotFound) {
		return domain.ContainerRecord{ContainerName: name, TenantID: id.TenantID, BotID: id.BotID, Status: domain.StatusAbsent}, false, nil
	}
	if err != nil {
		return domain.ContainerRecord{}, false, &domain.LifecycleError{Op: "inspect container", Err: err}
	}
	if state.Labels[domain.LabelManaged] != domain.ManagedValue || state.Labels[domain.LabelTenantID] != id.TenantID {
		return domain.ContainerRecord{ContainerName: name, TenantID: id.TenantID, BotID: id.BotID, Status: domain.StatusAbsent}, false, nil
	}
	return domain.RecordFromLabels(state.ID, name, state.State, state.Labels), true, nil
}

func (c *Controller) ensureNetwork(ctx context.Context) error {
	if c.policy.Network == "" {
		return nil
	}
	c.networkMu.Lock()
	defer c.networkMu.Unlock()
	if c.networkReady {
		return nil
	}
	created, err := c.engine.EnsureNetwork(ctx, c.policy.Network, map[string]string{domain.LabelManaged: domain.ManagedValue})
	if err != nil {
		return fmt.Errorf("network %s: %w", c.policy.Network, err)
	}
	if created {
		c.logger.Info("created network", "network", c.policy.Network)
	}
	c.networkReady = true
	return nil
}

func (c *Controller) resetNetwork() {
	c.networkMu.Lock()
	c.networkReady = false
	c.networkMu.Unlock()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
