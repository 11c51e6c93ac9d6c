package domain

import (
	"time"

	"github.com/splax/botrunner/internal/identity"
)

// Container label keys written at start and read by list, quota and the event monitor.
const (
	LabelManaged     = "managed"
	LabelTenantID    = "tenant_id"
	LabelBotID       = "bot_id"
	LabelStartedAt   = "started_at"
	LabelImageOrigin = "image_origin"

	ManagedValue = "true"
)

// Identity names a single bot of a single tenant.
type Identity struct {
	TenantID string `json:"tenant_id"`
	BotID    string `json:"bot_id"`
}

// ContainerName is the deterministic engine name for the identity.
func (id Identity) ContainerName() string {
	name, _ := identity.Resolve(id.TenantID, id.BotID)
	return name
}

// ImageName is the deterministic tag used for images built for the identity.
func (id Identity) ImageName() string {
	_, image := identity.Resolve(id.TenantID, id.BotID)
	return image
}

// Validate rejects identities that sanitize down to nothing.
func (id Identity) Validate() error {
	if identity.Sanitize(id.TenantID) == "" {
		return Validationf("tenant_id is required and must contain letters, digits, '-' or '_'")
	}
	if identity.Sanitize(id.BotID) == "" {
		return Validationf("bot_id is required and must contain letters, digits, '-' or '_'")
	}
	return nil
}

// ContainerStatus is the coarse lifecycle state of a bot container.
type ContainerStatus string

const (
	StatusAbsent  ContainerStatus = "absent"
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
)

// StatusFromEngine folds the engine's container states into running or stopped.
func StatusFromEngine(state string) ContainerStatus {
	if state == "running" {
		return StatusRunning
	}
	return StatusStopped
}

// ImageOrigin records whether the running image was built here or pulled from a registry.
type ImageOrigin string

const (
	OriginBuilt  ImageOrigin = "built"
	OriginPulled ImageOrigin = "pulled"
)

// ContainerRecord describes a managed container as seen through the engine.
type ContainerRecord struct {
	ContainerID   string          `json:"container_id"`
	ContainerName string          `json:"container_name"`
	TenantID      string          `json:"tenant_id"`
	BotID         string          `json:"bot_id"`
	Status        ContainerStatus `json:"status"`
	EngineState   string          `json:"engine_state,omitempty"`
	StartedAt     string          `json:"started_at,omitempty"`
	ImageOrigin   ImageOrigin     `json:"image_origin,omitempty"`
}

// RecordFromLabels fills the label-derived fields of a record.
func RecordFromLabels(id, name, state string, labels map[string]string) ContainerRecord {
	return ContainerRecord{
		ContainerID:   id,
		ContainerName: name,
		TenantID:      labels[LabelTenantID],
		BotID:         labels[LabelBotID],
		Status:        StatusFromEngine(state),
		EngineState:   state,
		StartedAt:     labels[LabelStartedAt],
		ImageOrigin:   ImageOrigin(labels[LabelImageOrigin]),
	}
}

// ResourceLimits caps what a single bot container may consume.
type ResourceLimits struct {
	MemoryMB     int     `json:"memory_mb"`
	CPUCores     float64 `json:"cpu_cores"`
	PidsLimit    int64   `json:"pids_limit"`
	TimeoutHours int     `json:"timeout_hours"`
}

// ResourceOverrides are the per-request values; nil fields fall back to defaults.
type ResourceOverrides struct {
	MemoryMB     *int     `json:"memory_mb,omitempty"`
	CPUCores     *float64 `json:"cpu_cores,omitempty"`
	PidsLimit    *int64   `json:"pids_limit,omitempty"`
	TimeoutHours *int     `json:"timeout_hours,omitempty"`
}

// Validate rejects non-positive override values.
func (o *ResourceOverrides) Validate() error {
	if o == nil {
		return nil
	}
	if o.MemoryMB != nil && *o.MemoryMB <= 0 {
		return Validationf("resource_limits.memory_mb must be positive")
	}
	if o.CPUCores != nil && *o.CPUCores <= 0 {
		return Validationf("resource_limits.cpu_cores must be positive")
	}
	if o.PidsLimit != nil && *o.PidsLimit <= 0 {
		return Validationf("resource_limits.pids_limit must be positive")
	}
	if o.TimeoutHours != nil && *o.TimeoutHours <= 0 {
		return Validationf("resource_limits.timeout_hours must be positive")
	}
	return nil
}

// SecurityPolicy is the process-wide hardening profile; requests cannot change it.
type SecurityPolicy struct {
	SecurityOpt []string `json:"security_opt"`
	CapDrop     []string `json:"cap_drop"`
	CapAdd      []string `json:"cap_add"`
}

// LifecycleAction is the engine event that ended a bot's run.
type LifecycleAction string

const (
	ActionDie  LifecycleAction = "die"
	ActionStop LifecycleAction = "stop"
	ActionKill LifecycleAction = "kill"
	ActionOOM  LifecycleAction = "oom"
)

// WatchedActions lists the engine actions the monitor subscribes to.
var WatchedActions = []LifecycleAction{ActionDie, ActionStop, ActionKill, ActionOOM}

// LifecycleEvent is emitted once per engine event for a managed container.
type LifecycleEvent struct {
	TenantID    string          `json:"tenant_id"`
	BotID       string          `json:"bot_id"`
	Action      LifecycleAction `json:"action"`
	ContainerID string          `json:"container_id,omitempty"`
	ExitCode    string          `json:"exit_code,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
