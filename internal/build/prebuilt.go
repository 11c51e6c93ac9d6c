package build

import (
	"context"

	"github.com/docker/docker/api/types/registry"

	"github.com/splax/botrunner/internal/domain"
)

func (b *Builder) pullPrebuilt(ctx context.Context, v *visitor, r PrebuiltImage) (Image, error) {
	v.stage = "image pull"
	var auth *registry.AuthConfig
	if r.Credentials != nil {
		auth = &registry.AuthConfig{
			Username:      r.Credentials.Username,
			Password:      r.Credentials.Password,
			ServerAddress: r.registryHost(),
		}
	}
	b.logger.Info("pulling image", "image", r.Reference, "authenticated", auth != nil)
	err := b.engine.PullImage(ctx, r.Reference, auth, func(line string) {
		b.logger.Debug("pull output", "image", r.Reference, "line", line)
	})
	if err != nil {
		return Image{}, &domain.BuildError{Stage: "image pull", Err: err}
	}
	return Image{Reference: r.Reference, Origin: domain.OriginPulled}, nil
}
