package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/botrunner/internal/build"
	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/enginetest"
	"github.com/splax/botrunner/internal/lifecycle"
	"github.com/splax/botrunner/internal/policy"
	"github.com/splax/botrunner/internal/quota"
	"github.com/splax/botrunner/internal/worker"
	"github.com/splax/botrunner/internal/workspace"
	"github.com/splax/botrunner/pkg/config"
)

type harness struct {
	svc    *Service
	engine *enginetest.Engine
	worker *worker.Worker
}

func newHarness(t *testing.T, mutate func(*config.RunnerConfig)) *harness {
	t.Helper()
	cfg := config.DefaultRunnerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := enginetest.New()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	pol := policy.FromConfig(cfg)
	lc := lifecycle.New(engine, pol, cfg.StopTimeout, logger)
	builder := build.New(engine, ws, nil, logger, cfg, nil)
	svc := New(builder, lc, quota.New(lc, cfg.MaxBotsPerTenant), pol, logger)

	w := worker.New(worker.Limits{
		MaxConcurrent: int64(cfg.MaxConcurrentTasks),
		Categories:    map[string]int64{worker.CategoryBotManagement: int64(cfg.BotManagementLimit)},
		TaskTimeout:   cfg.TaskTimeout,
	}, logger, nil)
	require.NoError(t, svc.Register(w))
	return &harness{svc: svc, engine: engine, worker: w}
}

// run executes a task through the worker and returns the envelope as generic JSON.
func (h *harness) run(t *testing.T, task string, params any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	env, err := h.worker.Handle(context.Background(), worker.Task{Name: task, Params: raw})
	require.NoError(t, err)
	out, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, "success", env["status"], "envelope: %v", env)
	d, ok := env["data"].(map[string]any)
	require.True(t, ok)
	return d
}

func failure(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, "failure", env["status"], "envelope: %v", env)
	e, ok := env["error"].(map[string]any)
	require.True(t, ok)
	return e
}

func simpleStart(tenant, bot string) map[string]any {
	return map[string]any{
		"tenant_id":       tenant,
		"bot_id":          bot,
		"deployment_mode": "simple",
		"code":            "print('hi')",
		"requirements":    []string{"requests"},
		"env_vars":        map[string]string{"TOKEN": "abc"},
	}
}

func TestSimpleBotLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	started := data(t, h.run(t, TaskStartBot, simpleStart("42", "echo")))
	assert.Equal(t, "started", started["status"])
	assert.Equal(t, "bot_42_echo", started["container_name"])
	assert.Equal(t, "bot_image_42_echo:latest", started["image"])
	assert.Equal(t, "built", started["image_origin"])

	require.Len(t, h.engine.Runs, 1)
	run := h.engine.Runs[0]
	assert.Equal(t, []string{"TOKEN=abc"}, run.Env)
	assert.Equal(t, int64(256*1024*1024), run.HostConfig.Memory)
	assert.Equal(t, int64(500_000_000), run.HostConfig.NanoCPUs)

	again := data(t, h.run(t, TaskStartBot, simpleStart("42", "echo")))
	assert.Equal(t, "already_running", again["status"])
	assert.Equal(t, started["container_id"], again["container_id"])
	assert.Len(t, h.engine.Runs, 1)

	listed := data(t, h.run(t, TaskListBots, map[string]any{"tenant_id": "42"}))
	assert.EqualValues(t, 1, listed["count"])
	assert.EqualValues(t, 3, listed["max_bots"])

	status := data(t, h.run(t, TaskCheckStatus, map[string]any{"tenant_id": "42", "bot_id": "echo"}))
	assert.Equal(t, true, status["exists"])
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, "echo", status["bot_id"])

	h.engine.WriteLogs("bot_42_echo", "line one\nline two\n")
	logs := data(t, h.run(t, TaskGetLogs, map[string]any{"tenant_id": "42", "bot_id": "echo", "lines": 1}))
	assert.Equal(t, "success", logs["status"])
	assert.Equal(t, "running", logs["container_status"])

	stopped := data(t, h.run(t, TaskStopBot, map[string]any{"tenant_id": "42", "bot_id": "echo"}))
	assert.Equal(t, "stopped", stopped["status"])
	assert.False(t, h.engine.HasImage("bot_image_42_echo:latest"))

	missing := data(t, h.run(t, TaskStopBot, map[string]any{"tenant_id": "42", "bot_id": "echo"}))
	assert.Equal(t, "not_found", missing["status"])

	gone := data(t, h.run(t, TaskCheckStatus, map[string]any{"tenant_id": "42", "bot_id": "echo"}))
	assert.Equal(t, false, gone["exists"])
	assert.Equal(t, "echo", gone["bot_id"])
	assert.NotContains(t, gone, "container_id")
}

func TestQuotaRejectsBotBeyondLimit(t *testing.T) {
	h := newHarness(t, func(c *config.RunnerConfig) { c.MaxBotsPerTenant = 2 })

	data(t, h.run(t, TaskStartBot, simpleStart("42", "a")))
	data(t, h.run(t, TaskStartBot, simpleStart("42", "b")))
	builds := len(h.engine.Builds)

	e := failure(t, h.run(t, TaskStartBot, simpleStart("42", "c")))
	assert.Equal(t, "QUOTA_EXCEEDED", e["code"])
	assert.Equal(t, "Maximum 2 bots per user", e["message"])
	details := e["details"].(map[string]any)
	assert.EqualValues(t, 2, details["current_bots"])
	assert.EqualValues(t, 2, details["max_bots"])
	assert.Len(t, details["active_bots"], 2)
	assert.Len(t, h.engine.Builds, builds, "quota check must run before any build")

	// Another tenant is unaffected.
	data(t, h.run(t, TaskStartBot, simpleStart("7", "a")))
}

func TestConcurrentStartsRespectQuota(t *testing.T) {
	h := newHarness(t, func(c *config.RunnerConfig) { c.MaxBotsPerTenant = 1 })
	h.engine.BuildDelay = 50 * time.Millisecond

	const starts = 3
	envs := make([]worker.Envelope, starts)
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		raw, err := json.Marshal(simpleStart("t1", fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], _ = h.worker.Handle(context.Background(), worker.Task{Name: TaskStartBot, Params: raw})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, env := range envs {
		switch {
		case env.Status == worker.StatusSuccess:
			ok++
		case env.Error != nil && env.Error.Code == domain.CodeQuotaExceeded:
			rejected++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, starts-1, rejected)
	assert.Equal(t, 1, h.engine.Count())
}

func TestRestartAtCeilingIsAlreadyRunning(t *testing.T) {
	h := newHarness(t, func(c *config.RunnerConfig) { c.MaxBotsPerTenant = 1 })

	started := data(t, h.run(t, TaskStartBot, simpleStart("42", "a")))
	again := data(t, h.run(t, TaskStartBot, simpleStart("42", "a")))
	assert.Equal(t, "already_running", again["status"])
	assert.Equal(t, started["container_id"], again["container_id"])

	e := failure(t, h.run(t, TaskStartBot, simpleStart("42", "b")))
	assert.Equal(t, "QUOTA_EXCEEDED", e["code"])
}

func TestImageModeKeepsPulledImage(t *testing.T) {
	h := newHarness(t, nil)

	started := data(t, h.run(t, TaskStartBot, map[string]any{
		"user_id":         "42",
		"bot_id":          "img",
		"deployment_mode": "image",
		"docker_image":    "ghcr.io/acme/bot:1.2",
		"registry_auth":   map[string]string{"username": "u", "password": "p"},
		"resource_limits": map[string]any{"memory_mb": 512},
	}))
	assert.Equal(t, "pulled", started["image_origin"])
	assert.Equal(t, []string{"ghcr.io/acme/bot:1.2"}, h.engine.Pulls)
	assert.Equal(t, int64(512*1024*1024), h.engine.Runs[0].HostConfig.Memory)

	data(t, h.run(t, TaskStopBot, map[string]any{"user_id": "42", "bot_id": "img"}))
	assert.True(t, h.engine.HasImage("ghcr.io/acme/bot:1.2"))
	assert.Empty(t, h.engine.RemovedImages)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, nil)

	e := failure(t, h.run(t, TaskStartBot, map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "docker"}))
	assert.Equal(t, "INVALID_MODE", e["code"])
	assert.Equal(t, "Unknown deployment mode: docker", e["message"])
	assert.Equal(t, "Use 'simple', 'custom', or 'image'", e["hint"])

	cases := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"missing mode", map[string]any{"tenant_id": "42", "bot_id": "x"}, "deployment_mode is required"},
		{"foreign field", map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "simple", "code": "x", "git_repo": "https://example.com/r.git"}, "git_repo"},
		{"no source", map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "custom"}, "one of 'archive'"},
		{"missing tenant", map[string]any{"bot_id": "x", "deployment_mode": "simple", "code": "x"}, "tenant_id is required"},
		{"tenant mismatch", map[string]any{"tenant_id": "1", "user_id": "2", "bot_id": "x", "deployment_mode": "simple", "code": "x"}, "disagree"},
		{"bad env", map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "simple", "code": "x", "env_vars": map[string]string{"A=B": "1"}}, "env_vars key"},
		{"bad limits", map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "simple", "code": "x", "resource_limits": map[string]any{"cpu_cores": 0}}, "cpu_cores"},
		{"traversal", map[string]any{"tenant_id": "42", "bot_id": "x", "deployment_mode": "simple", "files": map[string]string{"../../etc/passwd": "x"}}, "invalid file name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := failure(t, h.run(t, TaskStartBot, tc.params))
			assert.Equal(t, "VALIDATION_ERROR", e["code"])
			assert.Contains(t, e["message"], tc.want)
		})
	}
	assert.Empty(t, h.engine.Runs)
}

func TestBuildFailuresSurfaceAsContainerErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.BuildErr = errors.New("pip install failed")

	e := failure(t, h.run(t, TaskStartBot, simpleStart("42", "echo")))
	assert.Equal(t, "CONTAINER_ERROR", e["code"])
	assert.Contains(t, e["message"], "pip install failed")
	assert.Equal(t, "build_failed", e["details"].(map[string]any)["reason"])
	assert.Empty(t, h.engine.Runs)
}

func TestBuildTimeoutIsDistinct(t *testing.T) {
	h := newHarness(t, func(c *config.RunnerConfig) { c.BuildTimeout = 20 * time.Millisecond })
	h.engine.BuildDelay = time.Second

	e := failure(t, h.run(t, TaskStartBot, simpleStart("42", "echo")))
	assert.Equal(t, "CONTAINER_ERROR", e["code"])
	assert.Equal(t, "build_timeout", e["details"].(map[string]any)["reason"])
}

func TestEngineFailuresUseTaskCodes(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.ListErr = errors.New("daemon unreachable")

	e := failure(t, h.run(t, TaskListBots, map[string]any{"tenant_id": "42"}))
	assert.Equal(t, "LIST_ERROR", e["code"])

	e = failure(t, h.run(t, TaskStartBot, simpleStart("42", "echo")))
	assert.Equal(t, "CONTAINER_ERROR", e["code"])
}

func TestStopRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)
	e := failure(t, h.run(t, TaskStopBot, map[string]any{"tenant_id": "42"}))
	assert.Equal(t, "VALIDATION_ERROR", e["code"])

	e = failure(t, h.run(t, TaskGetLogs, map[string]any{"tenant_id": "42", "bot_id": "@@"}))
	assert.Equal(t, "VALIDATION_ERROR", e["code"])
}

func TestListIsTenantScoped(t *testing.T) {
	h := newHarness(t, nil)
	data(t, h.run(t, TaskStartBot, simpleStart("A", "one")))
	data(t, h.run(t, TaskStartBot, simpleStart("B", "two")))

	listed := data(t, h.run(t, TaskListBots, map[string]any{"tenant_id": "A"}))
	bots := listed["bots"].([]any)
	require.Len(t, bots, 1)
	assert.Equal(t, "A", bots[0].(map[string]any)["tenant_id"])
}

func TestDecodeStartBuildsSealedRequest(t *testing.T) {
	p, mode, err := decodeStart(json.RawMessage(`{"tenant_id":"1","bot_id":"b","deployment_mode":"custom","git_repo":"https://example.com/r.git","git_subdir":"bot","code":null}`))
	require.NoError(t, err)
	assert.Equal(t, build.ModeCustom, mode)
	req, ok := p.request(mode).(build.PackagedSource)
	require.True(t, ok)
	assert.Equal(t, "bot", req.GitSubdir)

	_, _, err = decodeStart(json.RawMessage(`{"deployment_mode":`))
	assert.True(t, domain.IsValidation(err))
}
