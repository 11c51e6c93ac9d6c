package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/filters"

	"github.com/splax/botrunner/internal/docker"
	"github.com/splax/botrunner/internal/domain"
)

const defaultBuffer = 64

// Source is the engine event stream.
type Source interface {
	Events(ctx context.Context, since time.Time, args filters.Args) (<-chan docker.Event, <-chan error)
}

// Metrics receives monitor counters.
type Metrics interface {
	LifecycleEvent(action string)
	MonitorReconnect()
	EventDropped()
}

// ErrStreamClosed is reported when the engine ends the stream without an error.
var ErrStreamClosed = errors.New("event stream closed")

// Monitor watches the engine for managed containers that die, stop, get killed
// or run out of memory, and publishes them on a bounded channel.
type Monitor struct {
	source     Source
	logger     *slog.Logger
	metrics    Metrics
	events     chan domain.LifecycleEvent
	dropped    atomic.Int64
	now        func() time.Time
	newBackOff func() backoff.BackOff

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	last     time.Time
	lastSeen map[string]struct{}
}

// New creates a monitor with room for buffer undelivered events.
func New(source Source, buffer int, logger *slog.Logger, metrics Metrics) *Monitor {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:     source,
		logger:     logger.With("component", "monitor"),
		metrics:    metrics,
		events:     make(chan domain.LifecycleEvent, buffer),
		now:        time.Now,
		newBackOff: defaultBackOff,
		done:       make(chan struct{}),
		lastSeen:   make(map[string]struct{}),
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Events is closed once the monitor has stopped.
func (m *Monitor) Events() <-chan domain.LifecycleEvent {
	return m.events
}

// Dropped returns how many events were lost to a full buffer.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// Start launches the subscription goroutine. Subsequent calls do nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.run(ctx)
	})
}

// Stop cancels the subscription and waits for it to finish. It is safe to
// call more than once and before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		started := true
		m.startOnce.Do(func() { started = false })
		if !started {
			close(m.events)
			close(m.done)
			return
		}
		m.cancel()
		<-m.done
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.events)

	bo := m.newBackOff()
	started := m.now()
	// The first subscription has no since filter and only streams new events.
	var since time.Time
	m.logger.Info("starting event monitor")
	for {
		received, err := m.subscribe(ctx, since)
		if ctx.Err() != nil {
			m.logger.Info("event monitor stopped")
			return
		}
		if received {
			bo.Reset()
		}
		if m.last.IsZero() {
			// Nothing arrived yet. Resume from startup; the replayed part of
			// the engine's whole second before it is dropped as a duplicate.
			m.last = started
		}
		since = m.last
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = 30 * time.Second
		}
		m.logger.Error("event stream failed, resubscribing",
			"error", err,
			"retry_in", wait.String(),
			"since", since.Format(time.RFC3339),
		)
		if m.metrics != nil {
			m.metrics.MonitorReconnect()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("event monitor stopped")
			return
		case <-timer.C:
		}
	}
}

// subscribe consumes one event stream until it fails, reporting whether any
// event arrived.
func (m *Monitor) subscribe(ctx context.Context, since time.Time) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs, errs := m.source.Events(streamCtx, since, Filters())
	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-errs:
			if err == nil {
				err = ErrStreamClosed
			}
			return received, err
		case ev, ok := <-msgs:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return received, err
					}
				default:
				}
				return received, ErrStreamClosed
			}
			received = true
			m.handle(ev)
		}
	}
}

// Filters selects lifecycle events of managed containers.
func Filters() filters.Args {
	args := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", fmt.Sprintf("%s=%s", domain.LabelManaged, domain.ManagedValue)),
	)
	for _, action := range domain.WatchedActions {
		args.Add("event", string(action))
	}
	return args
}

func (m *Monitor) handle(ev docker.Event) {
	if m.duplicate(ev) {
		return
	}
	tenantID := ev.Attributes[domain.LabelTenantID]
	botID := ev.Attributes[domain.LabelBotID]
	if tenantID == "" || botID == "" {
		m.logger.Debug("ignoring event without identity labels", "action", ev.Action, "container_id", ev.ActorID)
		return
	}
	event := domain.LifecycleEvent{
		TenantID:    tenantID,
		BotID:       botID,
		Action:      domain.LifecycleAction(ev.Action),
		ContainerID: ev.ActorID,
		ExitCode:    ev.Attributes["exitCode"],
		OccurredAt:  ev.Time,
	}
	if m.metrics != nil {
		m.metrics.LifecycleEvent(ev.Action)
	}
	m.logger.Info("container event", "action", ev.Action, "tenant_id", tenantID, "bot_id", botID)

	select {
	case m.events <- event:
	default:
		n := m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.EventDropped()
		}
		m.logger.Warn("event buffer full, dropping event",
			"action", ev.Action,
			"tenant_id", tenantID,
			"bot_id", botID,
			"dropped_total", n,
		)
	}
}

// duplicate filters events replayed after a resubscription. The engine's
// since filter has second precision, so the last second is replayed.
func (m *Monitor) duplicate(ev docker.Event) bool {
	key := ev.ActorID + "/" + ev.Action + "/" + ev.Time.Format(time.RFC3339Nano)
	switch {
	case ev.Time.Before(m.last):
		return true
	case ev.Time.Equal(m.last):
		if _, seen := m.lastSeen[key]; seen {
			return true
		}
	default:
		m.last = ev.Time
		clear(m.lastSeen)
	}
	m.lastSeen[key] = struct{}{}
	return false
}

// Reporter receives lifecycle events drained from the monitor.
type Reporter interface {
	Report(ctx context.Context, event domain.LifecycleEvent) error
}

// Dispatch drains events into reporter until the channel closes or ctx ends.
// Reporter errors are logged and never stop the loop.
func Dispatch(ctx context.Context, events <-chan domain.LifecycleEvent, reporter Reporter, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := reporter.Report(ctx, ev); err != nil {
				logger.Warn("failed to report lifecycle event",
					"component", "monitor",
					"action", ev.Action,
					"tenant_id", ev.TenantID,
					"bot_id", ev.BotID,
					"error", err,
				)
			}
		}
	}
}
