package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/pkg/runtime/telemetry"
)

// Reporter delivers one lifecycle event to a sink.
type Reporter interface {
	Report(ctx context.Context, event domain.LifecycleEvent) error
}

// Fanout delivers each event to every sink. Sink failures are logged and
// never returned, so one broken sink cannot starve the others.
type Fanout struct {
	sinks []namedSink
	log   *slog.Logger
}

type namedSink struct {
	name string
	sink Reporter
}

// NewFanout constructs an empty fan-out reporter.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{log: logger.With("component", "report")}
}

// Add registers a sink under name. Nil sinks are ignored.
func (f *Fanout) Add(name string, sink Reporter) *Fanout {
	if sink != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	}
	return f
}

// Sinks returns the registered sink names in delivery order.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.name)
	}
	return names
}

// Report implements Reporter.
func (f *Fanout) Report(ctx context.Context, event domain.LifecycleEvent) error {
	for _, s := range f.sinks {
		if err := s.sink.Report(ctx, event); err != nil {
			f.log.Warn("lifecycle sink failed",
				"sink", s.name,
				"tenant_id", event.TenantID,
				"bot_id", event.BotID,
				"action", string(event.Action),
				"error", err,
			)
		}
	}
	return nil
}

// LogSink writes every event to the structured log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger.With("component", "report")}
}

// Report implements Reporter.
func (s *LogSink) Report(ctx context.Context, event domain.LifecycleEvent) error {
	level := slog.LevelInfo
	if event.Action == domain.ActionDie || event.Action == domain.ActionOOM {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "bot container event",
		"tenant_id", event.TenantID,
		"bot_id", event.BotID,
		"action", string(event.Action),
		"container_id", event.ContainerID,
		"exit_code", event.ExitCode,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

// Emitter posts events to the orchestrator callback.
type Emitter interface {
	Emit(ctx context.Context, event telemetry.Event) error
}

// EmitterSink forwards events to an HTTP callback.
type EmitterSink struct {
	emitter Emitter
}

// NewEmitterSink constructs an EmitterSink.
func NewEmitterSink(emitter Emitter) *EmitterSink {
	return &EmitterSink{emitter: emitter}
}

// Report implements Reporter.
func (s *EmitterSink) Report(ctx context.Context, event domain.LifecycleEvent) error {
	return s.emitter.Emit(ctx, telemetry.Event{
		TenantID:    event.TenantID,
		BotID:       event.BotID,
		Action:      string(event.Action),
		ContainerID: event.ContainerID,
		ExitCode:    event.ExitCode,
		OccurredAt:  event.OccurredAt,
	})
}

// Publisher is the subset of the redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on <prefix>:events.
type RedisSink struct {
	client  Publisher
	channel string
}

// NewRedisSink constructs a RedisSink.
func NewRedisSink(client Publisher, prefix string) *RedisSink {
	return &RedisSink{client: client, channel: EventsChannel(prefix)}
}

// EventsChannel names the pub/sub channel for prefix.
func EventsChannel(prefix string) string {
	if prefix == "" {
		prefix = "botrunner"
	}
	return prefix + ":events"
}

// Report implements Reporter.
func (s *RedisSink) Report(ctx context.Context, event domain.LifecycleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish lifecycle event: %w", err)
	}
	return nil
}

// Journal persists events.
type Journal interface {
	Record(ctx context.Context, event domain.LifecycleEvent) error
}

// StoreSink appends events to the journal.
type StoreSink struct {
	journal Journal
}

// NewStoreSink constructs a StoreSink.
func NewStoreSink(journal Journal) *StoreSink {
	return &StoreSink{journal: journal}
}

// Report implements Reporter.
func (s *StoreSink) Report(ctx context.Context, event domain.LifecycleEvent) error {
	return s.journal.Record(ctx, event)
}

// Broadcaster fans payloads out to a tenant's live subscribers.
type Broadcaster interface {
	Broadcast(tenantID string, payload []byte)
}

// HubSink pushes events to websocket subscribers of the owning tenant.
type HubSink struct {
	hub Broadcaster
}

// NewHubSink constructs a HubSink.
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

// Report implements Reporter.
func (s *HubSink) Report(_ context.Context, event domain.LifecycleEvent) error {
	if event.TenantID == "" {
		return errors.New("lifecycle event missing tenant_id")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	s.hub.Broadcast(event.TenantID, payload)
	return nil
}
