package docker

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// Event is the subset of an engine event the monitor consumes.
type Event struct {
	Type       string
	Action     string
	ActorID    string
	Attributes map[string]string
	Time       time.Time
}

// Events subscribes to the engine event stream. The error channel receives at
// most one value, after which both channels stop delivering.
func (c *Client) Events(ctx context.Context, since time.Time, args filters.Args) (<-chan Event, <-chan error) {
	out := make(chan Event)
	errs := make(chan error, 1)
	if c == nil || c.inner == nil {
		errs <- ErrNotInitialized
		close(out)
		return out, errs
	}

	opts := events.ListOptions{Filters: args}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}
	msgs, sdkErrs := c.inner.Events(ctx, opts)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sdkErrs:
				if err != nil {
					errs <- err
				}
				return
			case msg := <-msgs:
				ev := Event{
					Type:       string(msg.Type),
					Action:     string(msg.Action),
					ActorID:    msg.Actor.ID,
					Attributes: msg.Actor.Attributes,
					Time:       messageTime(msg),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func messageTime(msg events.Message) time.Time {
	if msg.TimeNano != 0 {
		return time.Unix(0, msg.TimeNano).UTC()
	}
	if msg.Time != 0 {
		return time.Unix(msg.Time, 0).UTC()
	}
	return time.Now().UTC()
}
