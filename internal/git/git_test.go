package git

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSelectsBackend(t *testing.T) {
	for backend, want := range map[string]Cloner{"": GoGit{}, "gogit": GoGit{}, "cli": CLI{}} {
		got, err := New(backend)
		if err != nil {
			t.Fatalf("New(%q): %v", backend, err)
		}
		if got != want {
			t.Fatalf("New(%q) = %T, want %T", backend, got, want)
		}
	}
	if _, err := New("svn"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestCloneValidatesArguments(t *testing.T) {
	for _, c := range []Cloner{GoGit{}, CLI{}} {
		if err := c.Clone(context.Background(), "", "main", t.TempDir()); err == nil {
			t.Fatalf("%T: expected error for empty url", c)
		}
		if err := c.Clone(context.Background(), "https://example.invalid/repo.git", "main", ""); err == nil {
			t.Fatalf("%T: expected error for empty destination", c)
		}
	}
}

func TestGoGitCloneMissingRepository(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	err := GoGit{}.Clone(ctx, missing, "main", filepath.Join(t.TempDir(), "repo"))
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Fatalf("expected CloneError, got %v", err)
	}
}

func TestCLICloneMissingRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	err := CLI{}.Clone(ctx, missing, "main", filepath.Join(t.TempDir(), "repo"))
	var cloneErr *CloneError
	if !errors.As(err, &cloneErr) {
		t.Fatalf("expected CloneError, got %v", err)
	}
	if cloneErr.Output == "" {
		t.Fatalf("expected git output to be captured")
	}
}
