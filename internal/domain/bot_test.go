package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityNames(t *testing.T) {
	id := Identity{TenantID: "42", BotID: "Echo"}
	assert.Equal(t, "bot_42_echo", id.ContainerName())
	assert.Equal(t, "bot_image_42_echo:latest", id.ImageName())
}

func TestIdentityValidate(t *testing.T) {
	require.NoError(t, Identity{TenantID: "t", BotID: "b"}.Validate())

	err := Identity{TenantID: "@@", BotID: "b"}.Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	err = Identity{TenantID: "t"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot_id")
}

func TestStatusFromEngine(t *testing.T) {
	assert.Equal(t, StatusRunning, StatusFromEngine("running"))
	for _, state := range []string{"exited", "created", "paused", "restarting", "dead", ""} {
		assert.Equal(t, StatusStopped, StatusFromEngine(state), state)
	}
}

func TestResourceOverridesValidate(t *testing.T) {
	var nilOverrides *ResourceOverrides
	require.NoError(t, nilOverrides.Validate())

	zero := 0
	err := (&ResourceOverrides{MemoryMB: &zero}).Validate()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("daemon unreachable")
	buildErr := &BuildError{Stage: "image pull", Err: cause}
	wrapped := fmt.Errorf("start: %w", buildErr)

	var target *BuildError
	require.ErrorAs(t, wrapped, &target)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "image pull failed: daemon unreachable", buildErr.Error())

	quota := &QuotaError{Current: 3, Max: 3}
	assert.Equal(t, "Maximum 3 bots per user", quota.Error())
}
