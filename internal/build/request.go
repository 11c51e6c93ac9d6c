package build

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/distribution/reference"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/workspace"
)

// Mode names the deployment mode a request was made in.
type Mode string

const (
	ModeSimple Mode = "simple"
	ModeCustom Mode = "custom"
	ModeImage  Mode = "image"
)

// DefaultEntrypoint is run when an inline request does not name one.
const DefaultEntrypoint = "bot.py"

// Image is the result of a build: the reference to run and where it came from.
type Image struct {
	Reference string
	Origin    domain.ImageOrigin
}

// Request is one of InlineSource, PackagedSource or PrebuiltImage.
type Request interface {
	Mode() Mode
	Validate() error
	Accept(ctx context.Context, v Visitor) (Image, error)
	isRequest()
}

// Visitor handles each request variant. Adding a variant adds a method here.
type Visitor interface {
	VisitInline(ctx context.Context, r InlineSource) (Image, error)
	VisitPackaged(ctx context.Context, r PackagedSource) (Image, error)
	VisitPrebuilt(ctx context.Context, r PrebuiltImage) (Image, error)
}

// InlineSource carries source text supplied directly in the request.
type InlineSource struct {
	Entrypoint   string
	Files        map[string]string
	Code         string
	Requirements []string
}

func (InlineSource) isRequest() {}

// Mode implements Request.
func (InlineSource) Mode() Mode { return ModeSimple }

// Accept implements Request.
func (r InlineSource) Accept(ctx context.Context, v Visitor) (Image, error) {
	return v.VisitInline(ctx, r)
}

// EntrypointOrDefault returns the entrypoint, falling back to bot.py.
func (r InlineSource) EntrypointOrDefault() string {
	if strings.TrimSpace(r.Entrypoint) == "" {
		return DefaultEntrypoint
	}
	return r.Entrypoint
}

// Validate checks that exactly one of Files and Code is given and that every
// path stays inside the build context.
func (r InlineSource) Validate() error {
	hasFiles := len(r.Files) > 0
	hasCode := r.Code != ""
	switch {
	case hasFiles && hasCode:
		return domain.Validationf("provide either 'code' or 'files', not both")
	case !hasFiles && !hasCode:
		return domain.Validationf("either 'code' or 'files' must be provided")
	}
	entry := r.EntrypointOrDefault()
	if _, err := workspace.SafeJoin("/", entry); err != nil {
		return domain.Validationf("invalid entrypoint: %v", err)
	}
	if strings.ContainsAny(entry, "\"\n\r") {
		return domain.Validationf("invalid entrypoint %q", entry)
	}
	for name := range r.Files {
		if _, err := workspace.SafeJoin("/", name); err != nil {
			return domain.Validationf("invalid file name: %v", err)
		}
	}
	for _, req := range r.Requirements {
		if strings.ContainsAny(req, "\n\r") {
			return domain.Validationf("requirement %q must be a single line", req)
		}
	}
	return nil
}

// PackagedSource points at a source tree containing its own Dockerfile.
type PackagedSource struct {
	Archive    string
	ArchiveURL string
	GitRepo    string
	GitBranch  string
	GitSubdir  string
}

func (PackagedSource) isRequest() {}

// Mode implements Request.
func (PackagedSource) Mode() Mode { return ModeCustom }

// Accept implements Request.
func (r PackagedSource) Accept(ctx context.Context, v Visitor) (Image, error) {
	return v.VisitPackaged(ctx, r)
}

// Validate checks that exactly one source is given.
func (r PackagedSource) Validate() error {
	sources := 0
	for _, s := range []string{r.Archive, r.ArchiveURL, r.GitRepo} {
		if strings.TrimSpace(s) != "" {
			sources++
		}
	}
	if sources == 0 {
		return domain.Validationf("one of 'archive', 'archive_url', or 'git_repo' required")
	}
	if sources > 1 {
		return domain.Validationf("only one of 'archive', 'archive_url', or 'git_repo' may be provided")
	}
	if r.GitSubdir != "" {
		if r.GitRepo == "" {
			return domain.Validationf("'git_subdir' requires 'git_repo'")
		}
		if _, err := workspace.SafeJoin("/", r.GitSubdir); err != nil {
			return domain.Validationf("invalid git_subdir: %v", err)
		}
	}
	if r.GitBranch != "" && r.GitRepo == "" {
		return domain.Validationf("'git_branch' requires 'git_repo'")
	}
	if r.ArchiveURL != "" && !strings.HasPrefix(r.ArchiveURL, "http://") && !strings.HasPrefix(r.ArchiveURL, "https://") {
		return domain.Validationf("archive_url must be an http or https URL")
	}
	return nil
}

// decodeArchive decodes the base64 archive, ignoring surrounding whitespace
// and line breaks.
func (r PackagedSource) decodeArchive() ([]byte, error) {
	cleaned := strings.Map(func(c rune) rune {
		switch c {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return c
	}, r.Archive)
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, domain.Validationf("archive is not valid base64: %v", err)
	}
	return data, nil
}

// RegistryCredentials authenticate a pull from a private registry.
type RegistryCredentials struct {
	Username string
	Password string
}

// PrebuiltImage references an image already published to a registry.
type PrebuiltImage struct {
	Reference   string
	Credentials *RegistryCredentials
}

func (PrebuiltImage) isRequest() {}

// Mode implements Request.
func (PrebuiltImage) Mode() Mode { return ModeImage }

// Accept implements Request.
func (r PrebuiltImage) Accept(ctx context.Context, v Visitor) (Image, error) {
	return v.VisitPrebuilt(ctx, r)
}

// Validate checks that the reference parses as an image name.
func (r PrebuiltImage) Validate() error {
	if strings.TrimSpace(r.Reference) == "" {
		return domain.Validationf("docker_image is required for image mode")
	}
	if _, err := reference.ParseNormalizedNamed(r.Reference); err != nil {
		return domain.Validationf("invalid docker_image %q: %v", r.Reference, err)
	}
	if r.Credentials != nil && r.Credentials.Username == "" {
		return domain.Validationf("registry_auth.username is required when registry_auth is given")
	}
	return nil
}

// registryHost returns the registry domain of the reference.
func (r PrebuiltImage) registryHost() string {
	named, err := reference.ParseNormalizedNamed(r.Reference)
	if err != nil {
		return ""
	}
	return reference.Domain(named)
}
