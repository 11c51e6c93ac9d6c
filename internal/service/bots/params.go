package bots

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/splax/botrunner/internal/build"
	"github.com/splax/botrunner/internal/domain"
)

// modeFields lists the request fields owned by each deployment mode.
var modeFields = map[build.Mode][]string{
	build.ModeSimple: {"code", "files", "requirements", "entrypoint"},
	build.ModeCustom: {"archive", "archive_url", "git_repo", "git_branch", "git_subdir"},
	build.ModeImage:  {"docker_image", "registry_auth"},
}

type identityParams struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	BotID    string `json:"bot_id"`
}

// tenant returns tenant_id, falling back to the legacy user_id key.
func (p identityParams) tenant() (string, error) {
	tenant := strings.TrimSpace(p.TenantID)
	user := strings.TrimSpace(p.UserID)
	switch {
	case tenant != "" && user != "" && tenant != user:
		return "", domain.Validationf("tenant_id and user_id disagree")
	case tenant != "":
		return tenant, nil
	case user != "":
		return user, nil
	default:
		return "", domain.Validationf("tenant_id is required")
	}
}

func (p identityParams) identity() (domain.Identity, error) {
	tenant, err := p.tenant()
	if err != nil {
		return domain.Identity{}, err
	}
	id := domain.Identity{TenantID: tenant, BotID: strings.TrimSpace(p.BotID)}
	if id.BotID == "" {
		return domain.Identity{}, domain.Validationf("bot_id is required")
	}
	return id, id.Validate()
}

type registryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type startParams struct {
	identityParams
	DeploymentMode string                    `json:"deployment_mode"`
	EnvVars        map[string]string         `json:"env_vars"`
	ResourceLimits *domain.ResourceOverrides `json:"resource_limits"`

	Code         string            `json:"code"`
	Files        map[string]string `json:"files"`
	Requirements []string          `json:"requirements"`
	Entrypoint   string            `json:"entrypoint"`

	Archive    string `json:"archive"`
	ArchiveURL string `json:"archive_url"`
	GitRepo    string `json:"git_repo"`
	GitBranch  string `json:"git_branch"`
	GitSubdir  string `json:"git_subdir"`

	DockerImage  string        `json:"docker_image"`
	RegistryAuth *registryAuth `json:"registry_auth"`
}

type logsParams struct {
	identityParams
	Lines int `json:"lines"`
}

func decode(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Validationf("invalid params: %v", err)
	}
	return nil
}

// invalidModeError marks an unknown deployment_mode.
type invalidModeError struct {
	mode string
}

func (e *invalidModeError) Error() string {
	return fmt.Sprintf("Unknown deployment mode: %s", e.mode)
}

// decodeStart parses start_bot params and rejects fields that belong to a
// different deployment mode than the one requested.
func decodeStart(raw json.RawMessage) (startParams, build.Mode, error) {
	var p startParams
	if err := decode(raw, &p); err != nil {
		return p, "", err
	}
	mode := build.Mode(strings.TrimSpace(p.DeploymentMode))
	if mode == "" {
		return p, "", domain.Validationf("deployment_mode is required")
	}
	if _, ok := modeFields[mode]; !ok {
		return p, "", &invalidModeError{mode: p.DeploymentMode}
	}

	var present map[string]json.RawMessage
	if err := decode(raw, &present); err != nil {
		return p, "", err
	}
	var foreign []string
	for other, fields := range modeFields {
		if other == mode {
			continue
		}
		for _, f := range fields {
			if v, ok := present[f]; ok && !isNull(v) {
				foreign = append(foreign, f)
			}
		}
	}
	if len(foreign) > 0 {
		sort.Strings(foreign)
		return p, "", domain.Validationf("fields %s are not valid for deployment_mode %q", strings.Join(foreign, ", "), mode)
	}
	if err := validateEnv(p.EnvVars); err != nil {
		return p, "", err
	}
	return p, mode, nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func validateEnv(env map[string]string) error {
	for key, value := range env {
		if key == "" {
			return domain.Validationf("env_vars keys must not be empty")
		}
		if strings.ContainsAny(key, "=\x00") {
			return domain.Validationf("env_vars key %q must not contain '=' or NUL", key)
		}
		if strings.ContainsRune(value, 0) {
			return domain.Validationf("env_vars value for %q must not contain NUL", key)
		}
	}
	return nil
}

// request converts the params into the sealed build request for mode.
func (p startParams) request(mode build.Mode) build.Request {
	switch mode {
	case build.ModeSimple:
		return build.InlineSource{
			Entrypoint:   p.Entrypoint,
			Files:        p.Files,
			Code:         p.Code,
			Requirements: p.Requirements,
		}
	case build.ModeCustom:
		return build.PackagedSource{
			Archive:    p.Archive,
			ArchiveURL: p.ArchiveURL,
			GitRepo:    p.GitRepo,
			GitBranch:  p.GitBranch,
			GitSubdir:  p.GitSubdir,
		}
	case build.ModeImage:
		img := build.PrebuiltImage{Reference: p.DockerImage}
		if p.RegistryAuth != nil {
			img.Credentials = &build.RegistryCredentials{
				Username: p.RegistryAuth.Username,
				Password: p.RegistryAuth.Password,
			}
		}
		return img
	}
	return nil
}
