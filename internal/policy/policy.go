package policy

import (
	"math"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/pkg/config"
)

// LogConfig bounds the json-file log driver of every bot container.
type LogConfig struct {
	MaxSize string
	MaxFile string
}

// Policy holds the process-wide defaults applied to every bot container.
type Policy struct {
	Defaults domain.ResourceLimits
	Security domain.SecurityPolicy
	Log      LogConfig
	Network  string
}

// FromConfig builds the policy from runner configuration.
func FromConfig(cfg config.RunnerConfig) Policy {
	return Policy{
		Defaults: domain.ResourceLimits{
			MemoryMB:     cfg.DefaultLimits.MemoryMB,
			CPUCores:     cfg.DefaultLimits.CPUCores,
			PidsLimit:    cfg.DefaultLimits.PidsLimit,
			TimeoutHours: cfg.DefaultLimits.TimeoutHours,
		},
		Security: domain.SecurityPolicy{
			SecurityOpt: append([]string(nil), cfg.Security.SecurityOpt...),
			CapDrop:     append([]string(nil), cfg.Security.CapDrop...),
			CapAdd:      append([]string(nil), cfg.Security.CapAdd...),
		},
		Log:     LogConfig{MaxSize: cfg.LogMaxSize, MaxFile: cfg.LogMaxFile},
		Network: cfg.Network,
	}
}

// Merge overlays the non-nil override fields on defaults.
func Merge(defaults domain.ResourceLimits, overrides *domain.ResourceOverrides) domain.ResourceLimits {
	out := defaults
	if overrides == nil {
		return out
	}
	if overrides.MemoryMB != nil {
		out.MemoryMB = *overrides.MemoryMB
	}
	if overrides.CPUCores != nil {
		out.CPUCores = *overrides.CPUCores
	}
	if overrides.PidsLimit != nil {
		out.PidsLimit = *overrides.PidsLimit
	}
	if overrides.TimeoutHours != nil {
		out.TimeoutHours = *overrides.TimeoutHours
	}
	return out
}

// Limits validates overrides and merges them over the policy defaults.
func (p Policy) Limits(overrides *domain.ResourceOverrides) (domain.ResourceLimits, error) {
	if err := overrides.Validate(); err != nil {
		return domain.ResourceLimits{}, err
	}
	return Merge(p.Defaults, overrides), nil
}

// HostConfig renders limits and the hardening profile into an engine host config.
func (p Policy) HostConfig(limits domain.ResourceLimits) *container.HostConfig {
	pids := limits.PidsLimit
	hc := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": p.Log.MaxSize,
				"max-file": p.Log.MaxFile,
			},
		},
		SecurityOpt: append([]string(nil), p.Security.SecurityOpt...),
		CapDrop:     append([]string(nil), p.Security.CapDrop...),
		CapAdd:      append([]string(nil), p.Security.CapAdd...),
		Resources: container.Resources{
			Memory:   int64(limits.MemoryMB) * units.MiB,
			NanoCPUs: int64(math.Round(limits.CPUCores * 1e9)),
		},
	}
	if pids > 0 {
		hc.Resources.PidsLimit = &pids
	}
	if p.Network != "" {
		hc.NetworkMode = container.NetworkMode(p.Network)
	}
	return hc
}
