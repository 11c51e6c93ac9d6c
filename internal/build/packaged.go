package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/go-units"

	"github.com/splax/botrunner/internal/archive"
	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/workspace"
)

func (b *Builder) buildPackaged(ctx context.Context, v *visitor, r PackagedSource) (Image, error) {
	v.stage = "prepare build context"
	dir, cleanup, err := b.prepare("custom")
	if err != nil {
		return Image{}, err
	}
	defer cleanup()

	var root string
	switch {
	case r.GitRepo != "":
		v.stage = "git clone"
		root, err = b.cloneSource(ctx, dir, r)
	default:
		root, err = b.extractSource(ctx, v, dir, r)
	}
	if err != nil {
		return Image{}, err
	}

	v.stage = "image build"
	return b.buildContext(ctx, v.id, root)
}

func (b *Builder) cloneSource(ctx context.Context, dir string, r PackagedSource) (string, error) {
	if b.cloner == nil {
		return "", fmt.Errorf("git cloner not configured")
	}
	cloneCtx := ctx
	if b.gitTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, b.gitTimeout)
		defer cancel()
	}
	dest := filepath.Join(dir, "repo")
	b.logger.Info("cloning repository", "repo", r.GitRepo, "branch", r.GitBranch)
	if err := b.cloner.Clone(cloneCtx, r.GitRepo, r.GitBranch, dest); err != nil {
		return "", &domain.BuildError{
			Stage:   "git clone",
			Timeout: errors.Is(cloneCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}

	root := dest
	if r.GitSubdir != "" {
		sub, err := workspace.SafeJoin(dest, r.GitSubdir)
		if err != nil {
			return "", domain.Validationf("invalid git_subdir: %v", err)
		}
		root = sub
	}
	if info, err := os.Stat(filepath.Join(root, "Dockerfile")); err != nil || !info.Mode().IsRegular() {
		return "", &domain.BuildError{Stage: "locate Dockerfile", Err: archive.ErrDockerfileNotFound}
	}
	return root, nil
}

func (b *Builder) extractSource(ctx context.Context, v *visitor, dir string, r PackagedSource) (string, error) {
	var data []byte
	var err error
	if r.Archive != "" {
		v.stage = "decode archive"
		data, err = r.decodeArchive()
	} else {
		v.stage = "download archive"
		data, err = b.download(ctx, r.ArchiveURL)
	}
	if err != nil {
		return "", err
	}

	v.stage = "extract archive"
	extracted := filepath.Join(dir, "extracted")
	if err := archive.Extract(bytes.NewReader(data), extracted, b.archiveLimits()); err != nil {
		if errors.Is(err, archive.ErrUnsafePath) {
			return "", domain.Validationf("%v", err)
		}
		return "", &domain.BuildError{Stage: "extract archive", Err: err}
	}

	v.stage = "locate Dockerfile"
	root, err := archive.FindBuildRoot(extracted)
	if err != nil {
		return "", &domain.BuildError{Stage: "locate Dockerfile", Err: err}
	}
	return root, nil
}

func (b *Builder) download(ctx context.Context, url string) ([]byte, error) {
	dlCtx := ctx
	if b.archiveTimeout > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, b.archiveTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.Validationf("invalid archive_url: %v", err)
	}
	b.logger.Info("downloading archive", "url", url)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &domain.BuildError{
			Stage:   "download archive",
			Timeout: errors.Is(dlCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.BuildError{
			Stage: "download archive",
			Err:   fmt.Errorf("unexpected status HTTP %d", resp.StatusCode),
		}
	}

	limit := b.archiveLimits().MaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &domain.BuildError{
			Stage:   "download archive",
			Timeout: errors.Is(dlCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
	}
	if int64(len(data)) > limit {
		return nil, &domain.BuildError{
			Stage: "download archive",
			Err:   fmt.Errorf("%w: larger than %s", archive.ErrTooLarge, units.BytesSize(float64(limit))),
		}
	}
	return data, nil
}
