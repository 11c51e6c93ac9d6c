package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// DefaultBranch is cloned when the request names none.
const DefaultBranch = "main"

// Cloner performs a shallow, single-branch clone into dest.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, dest string) error
}

// CloneError carries the output the clone produced before failing.
type CloneError struct {
	Output string
	Err    error
}

func (e *CloneError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git clone failed: %v", e.Err)
	}
	return fmt.Sprintf("git clone failed: %v: %s", e.Err, out)
}

func (e *CloneError) Unwrap() error { return e.Err }

// New returns the cloner for the named backend ("gogit" or "cli").
func New(backend string) (Cloner, error) {
	switch backend {
	case "", "gogit":
		return GoGit{}, nil
	case "cli":
		return CLI{}, nil
	default:
		return nil, fmt.Errorf("unknown git backend %q", backend)
	}
}

func validate(repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	return nil
}

// GoGit clones in process with go-git.
type GoGit struct{}

// Clone clones the repository into the provided destination directory.
func (GoGit) Clone(ctx context.Context, repoURL, branch, dest string) error {
	if err := validate(repoURL, dest); err != nil {
		return err
	}
	if branch == "" {
		branch = DefaultBranch
	}
	var progress bytes.Buffer
	_, err := gogit.PlainCloneContext(ctx, dest, false, &gogit.CloneOptions{
		URL:           repoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Progress:      &progress,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &CloneError{Output: progress.String(), Err: err}
	}
	return nil
}

// CLI shells out to the git binary.
type CLI struct{}

// Clone clones the repository into the provided destination directory.
func (CLI) Clone(ctx context.Context, repoURL, branch, dest string) error {
	if err := validate(repoURL, dest); err != nil {
		return err
	}
	if branch == "" {
		branch = DefaultBranch
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--single-branch", "-b", branch, "--", repoURL, dest)
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return &CloneError{Output: string(output), Err: err}
	}
	return nil
}
