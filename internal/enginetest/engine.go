// Package enginetest provides an in-memory container engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/registry"

	"github.com/splax/botrunner/internal/docker"
)

// Engine mimics the subset of the Docker engine used by the runner.
type Engine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*docker.ContainerState
	logs       map[string]string
	images     map[string]bool
	networks   map[string]bool

	Runs          []docker.RunSpec
	Builds        []string
	Pulls         []string
	RemovedImages []string
	StopGrace     []time.Duration

	// BuildDelay makes BuildImage block so concurrent starts overlap.
	BuildDelay time.Duration
	RunErr     error
	ListErr    error
	BuildErr   error
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		containers: make(map[string]*docker.ContainerState),
		logs:       make(map[string]string),
		images:     make(map[string]bool),
		networks:   make(map[string]bool),
	}
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, docker.ErrNotFound)
}

// BuildImage records the build and registers the tag.
func (e *Engine) BuildImage(ctx context.Context, dir, tag string, labels map[string]string, onOutput docker.OutputCallback) error {
	if e.BuildDelay > 0 {
		select {
		case <-time.After(e.BuildDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BuildErr != nil {
		return e.BuildErr
	}
	e.Builds = append(e.Builds, tag)
	e.images[tag] = true
	return nil
}

// PullImage records the pull and registers the reference.
func (e *Engine) PullImage(ctx context.Context, ref string, auth *registry.AuthConfig, onOutput docker.OutputCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Pulls = append(e.Pulls, ref)
	e.images[ref] = true
	return nil
}

// RemoveImage deletes a tag.
func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.images[ref] {
		return notFound("image", ref)
	}
	delete(e.images, ref)
	e.RemovedImages = append(e.RemovedImages, ref)
	return nil
}

// HasImage reports whether a tag exists.
func (e *Engine) HasImage(ref string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[ref]
}

// InspectContainer looks a container up by name.
func (e *Engine) InspectContainer(ctx context.Context, name string) (docker.ContainerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return docker.ContainerState{}, notFound("container", name)
	}
	return copyState(c), nil
}

// RunContainer creates a running container, failing on duplicate names.
func (e *Engine) RunContainer(ctx context.Context, spec docker.RunSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.RunErr != nil {
		return "", e.RunErr
	}
	if _, exists := e.containers[spec.Name]; exists {
		return "", fmt.Errorf("conflict: container name %s is already in use", spec.Name)
	}
	if spec.Network != "" && !e.networks[spec.Network] {
		return "", notFound("network", spec.Network)
	}
	e.seq++
	id := fmt.Sprintf("c%04d", e.seq)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	e.containers[spec.Name] = &docker.ContainerState{ID: id, Name: spec.Name, Image: spec.Image, State: "running", Labels: labels}
	e.logs[spec.Name] = ""
	e.Runs = append(e.Runs, spec)
	return id, nil
}

// StopContainer marks a container exited.
func (e *Engine) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return notFound("container", name)
	}
	c.State = "exited"
	e.StopGrace = append(e.StopGrace, grace)
	return nil
}

// RemoveContainer deletes a container; missing ones are ignored.
func (e *Engine) RemoveContainer(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.containers, name)
	delete(e.logs, name)
	return nil
}

// ContainerLogs returns the last tail lines written with WriteLogs.
func (e *Engine) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logs, ok := e.logs[name]
	if !ok {
		return "", notFound("container", name)
	}
	lines := strings.SplitAfter(logs, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, ""), nil
}

// ListContainers returns containers carrying every given label.
func (e *Engine) ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	var out []docker.ContainerState
	for _, c := range e.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, copyState(c))
		}
	}
	return out, nil
}

// EnsureNetwork creates the network once.
func (e *Engine) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.networks[name] {
		return false, nil
	}
	e.networks[name] = true
	return true, nil
}

// DropNetwork removes a network as an operator might.
func (e *Engine) DropNetwork(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.networks, name)
}

// SetState forces a container state, e.g. "exited" after a crash.
func (e *Engine) SetState(name, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[name]; ok {
		c.State = state
	}
}

// AddContainer injects a container created outside the runner.
func (e *Engine) AddContainer(state docker.ContainerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := copyState(&state)
	e.containers[state.Name] = &c
	e.logs[state.Name] = ""
}

// WriteLogs appends output to a container's log.
func (e *Engine) WriteLogs(name, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs[name] += text
}

// Count returns the number of containers.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}

func copyState(c *docker.ContainerState) docker.ContainerState {
	out := *c
	out.Labels = make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		out.Labels[k] = v
	}
	return out
}
