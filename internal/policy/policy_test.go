package policy

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/pkg/config"
)

func TestHostConfigDefaults(t *testing.T) {
	p := FromConfig(config.DefaultRunnerConfig())
	limits, err := p.Limits(nil)
	require.NoError(t, err)

	hc := p.HostConfig(limits)
	assert.Equal(t, int64(256*1024*1024), hc.Resources.Memory)
	assert.Equal(t, int64(500_000_000), hc.Resources.NanoCPUs)
	require.NotNil(t, hc.Resources.PidsLimit)
	assert.Equal(t, int64(100), *hc.Resources.PidsLimit)
	assert.Equal(t, container.RestartPolicyUnlessStopped, hc.RestartPolicy.Name)
	assert.Equal(t, "json-file", hc.LogConfig.Type)
	assert.Equal(t, map[string]string{"max-size": "10m", "max-file": "1"}, hc.LogConfig.Config)
	assert.Equal(t, []string{"no-new-privileges:true"}, hc.SecurityOpt)
	assert.Equal(t, []string{"ALL"}, []string(hc.CapDrop))
	assert.Equal(t, []string{"NET_BIND_SERVICE"}, []string(hc.CapAdd))
	assert.Equal(t, container.NetworkMode("bot_runner_network"), hc.NetworkMode)
}

func TestMergeOverrides(t *testing.T) {
	defaults := domain.ResourceLimits{MemoryMB: 256, CPUCores: 0.5, PidsLimit: 100, TimeoutHours: 24}
	mem := 512
	cpu := 1.5

	got := Merge(defaults, &domain.ResourceOverrides{MemoryMB: &mem, CPUCores: &cpu})
	assert.Equal(t, domain.ResourceLimits{MemoryMB: 512, CPUCores: 1.5, PidsLimit: 100, TimeoutHours: 24}, got)
	assert.Equal(t, defaults, Merge(defaults, nil))
}

func TestLimitsRejectsNonPositive(t *testing.T) {
	p := FromConfig(config.DefaultRunnerConfig())
	negative := -0.25
	_, err := p.Limits(&domain.ResourceOverrides{CPUCores: &negative})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestSecurityIsNotShared(t *testing.T) {
	p := FromConfig(config.DefaultRunnerConfig())
	hc := p.HostConfig(p.Defaults)
	hc.CapAdd = append(hc.CapAdd, "SYS_ADMIN")
	hc.SecurityOpt[0] = "seccomp=unconfined"

	again := p.HostConfig(p.Defaults)
	assert.Equal(t, []string{"NET_BIND_SERVICE"}, []string(again.CapAdd))
	assert.Equal(t, []string{"no-new-privileges:true"}, again.SecurityOpt)
}
