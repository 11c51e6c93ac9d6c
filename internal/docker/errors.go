package docker

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrNotInitialized is returned when a nil or closed client is used.
var ErrNotInitialized = errors.New("docker client not initialized")

func errorsIsNotFound(err error) bool {
	return client.IsErrNotFound(err) || errors.Is(err, ErrNotFound)
}

// translate maps SDK not-found responses onto ErrNotFound so callers can use errors.Is.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
