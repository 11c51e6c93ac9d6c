package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/filters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/botrunner/internal/docker"
	"github.com/splax/botrunner/internal/domain"
)

// scriptedSource hands out one pre-built stream per subscription.
type scriptedSource struct {
	mu      sync.Mutex
	streams []stream
	sinces  []time.Time
	args    []filters.Args
}

type stream struct {
	events []docker.Event
	err    error
	hold   bool
}

func (s *scriptedSource) Events(ctx context.Context, since time.Time, args filters.Args) (<-chan docker.Event, <-chan error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	s.args = append(s.args, args)
	var st stream
	if len(s.streams) > 0 {
		st = s.streams[0]
		s.streams = s.streams[1:]
	} else {
		st = stream{hold: true}
	}
	s.mu.Unlock()

	out := make(chan docker.Event)
	errs := make(chan error, 1)
	go func() {
		for _, ev := range st.events {
			select {
			case out <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if st.hold {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		errs <- st.err
	}()
	return out, errs
}

func (s *scriptedSource) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinces)
}

type recordingReporter struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
	seen   chan struct{}
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{seen: make(chan struct{}, 16)}
}

func (r *recordingReporter) Report(ctx context.Context, ev domain.LifecycleEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return nil
}

func (r *recordingReporter) snapshot() []domain.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func dieEvent(at time.Time) docker.Event {
	return docker.Event{
		Type:    "container",
		Action:  "die",
		ActorID: "abc123",
		Attributes: map[string]string{
			"managed":   "true",
			"tenant_id": "42",
			"bot_id":    "echo",
			"exitCode":  "1",
		},
		Time: at,
	}
}

func TestSingleCrashProducesOneReport(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{streams: []stream{{events: []docker.Event{dieEvent(at)}, hold: true}}}
	m := New(src, 4, discardLogger(), nil)
	reporter := newRecordingReporter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	dispatched := make(chan struct{})
	go func() {
		Dispatch(ctx, m.Events(), reporter, discardLogger())
		close(dispatched)
	}()

	select {
	case <-reporter.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no report received")
	}
	m.Stop()
	<-dispatched

	events := reporter.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.LifecycleEvent{
		TenantID:    "42",
		BotID:       "echo",
		Action:      domain.ActionDie,
		ContainerID: "abc123",
		ExitCode:    "1",
		OccurredAt:  at,
	}, events[0])

	require.Len(t, src.args, 1)
	assert.True(t, src.args[0].ExactMatch("type", "container"))
	assert.True(t, src.args[0].ExactMatch("label", "managed=true"))
	for _, action := range []string{"die", "stop", "kill", "oom"} {
		assert.True(t, src.args[0].ExactMatch("event", action), action)
	}
}

func TestEventsWithoutIdentityAreIgnored(t *testing.T) {
	ev := dieEvent(time.Now())
	delete(ev.Attributes, "bot_id")
	src := &scriptedSource{streams: []stream{{events: []docker.Event{ev}, hold: true}}}
	m := New(src, 4, discardLogger(), nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return src.subscriptions() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	var got []domain.LifecycleEvent
	for ev := range m.Events() {
		got = append(got, ev)
	}
	assert.Empty(t, got)
}

func TestResubscribesFromLastEvent(t *testing.T) {
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{streams: []stream{
		{events: []docker.Event{dieEvent(first)}, err: errors.New("connection reset")},
		// The engine replays the last second after reconnecting.
		{events: []docker.Event{dieEvent(first), dieEvent(first.Add(time.Second))}, hold: true},
	}}
	m := New(src, 8, discardLogger(), nil)
	m.newBackOff = fastBackOff

	m.Start(context.Background())
	var got []domain.LifecycleEvent
	for len(got) < 2 {
		select {
		case ev := <-m.Events():
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out with %d events", len(got))
		}
	}
	m.Stop()

	assert.Equal(t, first, got[0].OccurredAt)
	assert.Equal(t, first.Add(time.Second), got[1].OccurredAt)
	for range m.Events() {
		t.Fatal("duplicate event delivered")
	}
	require.GreaterOrEqual(t, len(src.sinces), 2)
	assert.Equal(t, first, src.sinces[1])
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var evs []docker.Event
	for i := 0; i < 5; i++ {
		evs = append(evs, dieEvent(base.Add(time.Duration(i)*time.Second)))
	}
	src := &scriptedSource{streams: []stream{{events: evs, hold: true}}}
	m := New(src, 2, discardLogger(), nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.Dropped() == 3 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(&scriptedSource{}, 1, discardLogger(), nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	unstarted := New(&scriptedSource{}, 1, discardLogger(), nil)
	unstarted.Stop()
	unstarted.Stop()
	_, open := <-unstarted.Events()
	assert.False(t, open)
}

func TestResubscribeBeforeAnyEventSkipsEarlierEvents(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	src := &scriptedSource{streams: []stream{
		{err: errors.New("connection reset")},
		// since is truncated to 12:00:00, replaying an event from before startup.
		{events: []docker.Event{dieEvent(start.Add(-300 * time.Millisecond)), dieEvent(start.Add(time.Second))}, hold: true},
	}}
	m := New(src, 8, discardLogger(), nil)
	m.newBackOff = fastBackOff
	m.now = func() time.Time { return start }

	m.Start(context.Background())
	select {
	case ev := <-m.Events():
		assert.Equal(t, start.Add(time.Second), ev.OccurredAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	m.Stop()
	for range m.Events() {
		t.Fatal("event from before startup delivered")
	}

	require.GreaterOrEqual(t, len(src.sinces), 2)
	assert.True(t, src.sinces[0].IsZero())
	assert.Equal(t, start, src.sinces[1])
}
