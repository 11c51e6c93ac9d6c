package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/network"
)

// EnsureNetwork makes sure a bridge network with the given name exists. It
// reports whether the network had to be created.
func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (bool, error) {
	if c == nil || c.inner == nil {
		return false, ErrNotInitialized
	}
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("network name cannot be empty")
	}
	_, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return false, nil
	}
	if !errorsIsNotFound(err) {
		return false, translate("network inspect", err)
	}
	_, err = c.inner.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Internal:   false,
		Attachable: true,
		Labels:     labels,
	})
	if err != nil {
		// Another process may have created it between inspect and create.
		if _, inspectErr := c.inner.NetworkInspect(ctx, name, network.InspectOptions{}); inspectErr == nil {
			return false, nil
		}
		return false, translate("network create", err)
	}
	return true, nil
}
