package build

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/docker/docker/api/types/registry"

	"github.com/splax/botrunner/internal/archive"
	"github.com/splax/botrunner/internal/docker"
	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/git"
	"github.com/splax/botrunner/internal/workspace"
	"github.com/splax/botrunner/pkg/config"
)

// Engine is the part of the container engine the builder drives.
type Engine interface {
	BuildImage(ctx context.Context, dir, tag string, labels map[string]string, onOutput docker.OutputCallback) error
	PullImage(ctx context.Context, ref string, auth *registry.AuthConfig, onOutput docker.OutputCallback) error
}

// Observer receives build durations.
type Observer interface {
	BuildObserved(mode string, d time.Duration, err error)
}

// Builder turns build requests into runnable images.
type Builder struct {
	engine          Engine
	workspace       *workspace.Manager
	cloner          git.Cloner
	logger          *slog.Logger
	httpClient      *http.Client
	observer        Observer
	baseImage       string
	buildTimeout    time.Duration
	gitTimeout      time.Duration
	archiveTimeout  time.Duration
	archiveMaxBytes int64
}

// New creates a builder from the runner configuration.
func New(engine Engine, ws *workspace.Manager, cloner git.Cloner, logger *slog.Logger, cfg config.RunnerConfig, observer Observer) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		engine:          engine,
		workspace:       ws,
		cloner:          cloner,
		logger:          logger.With("component", "build"),
		httpClient:      &http.Client{},
		observer:        observer,
		baseImage:       cfg.BaseImage,
		buildTimeout:    cfg.BuildTimeout,
		gitTimeout:      cfg.GitTimeout,
		archiveTimeout:  cfg.ArchiveTimeout,
		archiveMaxBytes: cfg.ArchiveMaxBytes,
	}
}

// Build validates req and produces the image to run for id. Failures are
// *domain.BuildError values; bad input is a domain.ValidationError.
func (b *Builder) Build(ctx context.Context, id domain.Identity, req Request) (Image, error) {
	if req == nil {
		return Image{}, domain.Validationf("build request is required")
	}
	if err := req.Validate(); err != nil {
		return Image{}, err
	}
	if err := id.Validate(); err != nil {
		return Image{}, err
	}

	buildCtx := ctx
	if b.buildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, b.buildTimeout)
		defer cancel()
	}

	start := time.Now()
	v := &visitor{b: b, id: id}
	img, err := req.Accept(buildCtx, v)
	if err != nil {
		err = b.classify(buildCtx, v.stage, err)
	}
	if b.observer != nil {
		b.observer.BuildObserved(string(req.Mode()), time.Since(start), err)
	}
	if err != nil {
		b.logger.Warn("build failed",
			"tenant_id", id.TenantID,
			"bot_id", id.BotID,
			"mode", req.Mode(),
			"error", err,
		)
		return Image{}, err
	}
	b.logger.Info("image ready",
		"tenant_id", id.TenantID,
		"bot_id", id.BotID,
		"mode", req.Mode(),
		"image", img.Reference,
		"duration", time.Since(start).String(),
	)
	return img, nil
}

// classify wraps err as a BuildError unless it is already a validation or
// build error, marking deadline expiry as a timeout.
func (b *Builder) classify(ctx context.Context, stage string, err error) error {
	if domain.IsValidation(err) {
		return err
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
	var buildErr *domain.BuildError
	if errors.As(err, &buildErr) {
		if timedOut {
			buildErr.Timeout = true
		}
		return buildErr
	}
	if stage == "" {
		stage = "build"
	}
	return &domain.BuildError{Stage: stage, Timeout: timedOut, Err: err}
}

// buildContext builds dir as the image for id and returns it as a built image.
func (b *Builder) buildContext(ctx context.Context, id domain.Identity, dir string) (Image, error) {
	tag := id.ImageName()
	labels := map[string]string{
		domain.LabelManaged:  domain.ManagedValue,
		domain.LabelTenantID: id.TenantID,
		domain.LabelBotID:    id.BotID,
	}
	err := b.engine.BuildImage(ctx, dir, tag, labels, func(line string) {
		b.logger.Debug("build output", "image", tag, "line", line)
	})
	if err != nil {
		return Image{}, &domain.BuildError{Stage: "image build", Err: err}
	}
	return Image{Reference: tag, Origin: domain.OriginBuilt}, nil
}

// prepare creates a build context directory and returns its cleanup func.
func (b *Builder) prepare(prefix string) (string, func(), error) {
	if b.workspace == nil {
		return "", nil, fmt.Errorf("workspace not configured")
	}
	dir, err := b.workspace.Prepare(prefix)
	if err != nil {
		return "", nil, err
	}
	return dir, func() {
		if err := b.workspace.Cleanup(dir); err != nil {
			b.logger.Warn("failed to cleanup build context", "dir", dir, "error", err)
		}
	}, nil
}

func (b *Builder) archiveLimits() archive.Limits {
	limits := archive.DefaultLimits
	if b.archiveMaxBytes > 0 {
		limits.MaxBytes = b.archiveMaxBytes
	}
	return limits
}

type visitor struct {
	b     *Builder
	id    domain.Identity
	stage string
}

func (v *visitor) VisitInline(ctx context.Context, r InlineSource) (Image, error) {
	return v.b.buildInline(ctx, v, r)
}

func (v *visitor) VisitPackaged(ctx context.Context, r PackagedSource) (Image, error) {
	return v.b.buildPackaged(ctx, v, r)
}

func (v *visitor) VisitPrebuilt(ctx context.Context, r PrebuiltImage) (Image, error) {
	return v.b.pullPrebuilt(ctx, v, r)
}
