package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerState captures the engine view of a container that callers need.
type ContainerState struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Env        []string
	Labels     map[string]string
	HostConfig *container.HostConfig
	Network    string
}

// RunContainer creates and starts a container. If the start fails the created
// container is removed so the name is free for the next attempt.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if c == nil || c.inner == nil {
		return "", ErrNotInitialized
	}
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, spec.HostConfig, netCfg, nil, spec.Name)
	if err != nil {
		return "", translate("container create", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = c.inner.ContainerRemove(cleanupCtx, r.ID, container.RemoveOptions{Force: true})
		return "", translate("container start", err)
	}
	return r.ID, nil
}

// InspectContainer looks a container up by name or id.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (ContainerState, error) {
	if c == nil || c.inner == nil {
		return ContainerState{}, ErrNotInitialized
	}
	info, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return ContainerState{}, translate("container inspect", err)
	}
	state := ContainerState{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		state.State = info.State.Status
	}
	if info.Config != nil {
		state.Image = info.Config.Image
		state.Labels = info.Config.Labels
	}
	return state, nil
}

// StopContainer stops a container, giving it grace before it is killed.
func (c *Client) StopContainer(ctx context.Context, nameOrID string, grace time.Duration) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	seconds := int(grace / time.Second)
	if err := c.inner.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &seconds}); err != nil {
		return translate("container stop", err)
	}
	return nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errorsIsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ContainerLogs returns the last tail lines of stdout and stderr with timestamps.
func (c *Client) ContainerLogs(ctx context.Context, nameOrID string, tail int) (string, error) {
	if c == nil || c.inner == nil {
		return "", ErrNotInitialized
	}
	reader, err := c.inner.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", translate("container logs", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}

// ListContainers returns every container, running or not, carrying all of the given labels.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerState, error) {
	if c == nil || c.inner == nil {
		return nil, ErrNotInitialized
	}
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ContainerState, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, ContainerState{
			ID:     item.ID,
			Name:   name,
			Image:  item.Image,
			State:  item.State,
			Labels: item.Labels,
		})
	}
	return out, nil
}
