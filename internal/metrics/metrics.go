package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// Recorder holds the worker's domain metrics. A nil Recorder discards everything.
type Recorder struct {
	taskResults       *prometheus.CounterVec
	buildDuration     *prometheus.HistogramVec
	lifecycleEvents   *prometheus.CounterVec
	monitorReconnects prometheus.Counter
	droppedEvents     prometheus.Counter
}

// New creates the collectors and registers them with reg, reusing collectors
// that are already registered under the same name.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "worker",
			Name:      "task_results_total",
			Help:      "Task outcomes by task name and error code",
		}, []string{"task", "code"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "botrunner",
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Image build and pull latency by deployment mode",
			Buckets:   buildBuckets,
		}, []string{"mode", "outcome"}),
		lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "monitor",
			Name:      "lifecycle_events_total",
			Help:      "Container lifecycle events observed by action",
		}, []string{"action"}),
		monitorReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "monitor",
			Name:      "reconnects_total",
			Help:      "Event stream resubscriptions",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botrunner",
			Subsystem: "monitor",
			Name:      "dropped_events_total",
			Help:      "Lifecycle events dropped because the report buffer was full",
		}),
	}
	r.taskResults = register(reg, r.taskResults)
	r.buildDuration = register(reg, r.buildDuration)
	r.lifecycleEvents = register(reg, r.lifecycleEvents)
	r.monitorReconnects = register(reg, r.monitorReconnects)
	r.droppedEvents = register(reg, r.droppedEvents)
	return r
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// TaskCompleted counts a task outcome. code is "ok" for success.
func (r *Recorder) TaskCompleted(task, code string) {
	if r == nil {
		return
	}
	r.taskResults.WithLabelValues(task, code).Inc()
}

// BuildObserved records how long producing an image took.
func (r *Recorder) BuildObserved(mode string, d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.buildDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

// LifecycleEvent counts an observed container event.
func (r *Recorder) LifecycleEvent(action string) {
	if r == nil {
		return
	}
	r.lifecycleEvents.WithLabelValues(action).Inc()
}

// MonitorReconnect counts an event stream resubscription.
func (r *Recorder) MonitorReconnect() {
	if r == nil {
		return
	}
	r.monitorReconnects.Inc()
}

// EventDropped counts an event lost to a full buffer.
func (r *Recorder) EventDropped() {
	if r == nil {
		return
	}
	r.droppedEvents.Inc()
}
