package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/splax/botrunner/internal/domain"
)

// CategoryBotManagement groups the bot lifecycle tasks.
const CategoryBotManagement = "bot_management"

var (
	// ErrUnknownTask is returned for task names without a handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("task already registered")
)

// Task is one unit of work received from a transport.
type Task struct {
	ID             string          `json:"task_id"`
	Name           string          `json:"task"`
	Params         json.RawMessage `json:"params"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Handler executes a task. It reports domain failures through the envelope.
type Handler func(ctx context.Context, params json.RawMessage) Envelope

// Metrics receives task outcomes.
type Metrics interface {
	TaskCompleted(task, code string)
}

// Limits bounds concurrent task execution.
type Limits struct {
	MaxConcurrent int64
	Categories    map[string]int64
	TaskTimeout   time.Duration
}

type registration struct {
	category    string
	failureCode domain.ErrorCode
	handle      Handler
}

// Worker dispatches named tasks to registered handlers under concurrency limits.
type Worker struct {
	mu       sync.RWMutex
	tasks    map[string]registration
	global   *semaphore.Weighted
	category map[string]*semaphore.Weighted
	timeout  time.Duration
	log      *slog.Logger
	metrics  Metrics
}

// New constructs a Worker.
func New(limits Limits, logger *slog.Logger, metrics Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxConcurrent <= 0 {
		limits.MaxConcurrent = 1
	}
	if limits.TaskTimeout <= 0 {
		limits.TaskTimeout = 15 * time.Minute
	}
	w := &Worker{
		tasks:    make(map[string]registration),
		global:   semaphore.NewWeighted(limits.MaxConcurrent),
		category: make(map[string]*semaphore.Weighted, len(limits.Categories)),
		timeout:  limits.TaskTimeout,
		log:      logger.With("component", "worker"),
		metrics:  metrics,
	}
	for name, n := range limits.Categories {
		if n > 0 {
			w.category[name] = semaphore.NewWeighted(n)
		}
	}
	return w
}

// Register binds a handler to name. failureCode is reported when the handler panics.
func (w *Worker) Register(name, category string, failureCode domain.ErrorCode, h Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	w.tasks[name] = registration{category: category, failureCode: failureCode, handle: h}
	return nil
}

// Tasks lists the registered task names.
func (w *Worker) Tasks() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.tasks))
	for name := range w.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs task once a global and a category slot are available.
// The returned error is non-nil only when the task never ran.
func (w *Worker) Handle(ctx context.Context, task Task) (Envelope, error) {
	w.mu.RLock()
	reg, ok := w.tasks[task.Name]
	w.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownTask, task.Name)
	}

	if err := w.global.Acquire(ctx, 1); err != nil {
		return Envelope{}, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer w.global.Release(1)
	if sem := w.category[reg.category]; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return Envelope{}, fmt.Errorf("acquire %s slot: %w", reg.category, err)
		}
		defer sem.Release(1)
	}

	timeout := w.timeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	env := w.run(runCtx, task, reg)
	if w.metrics != nil {
		w.metrics.TaskCompleted(task.Name, env.Code())
	}
	w.log.Info("task finished",
		"task", task.Name,
		"task_id", task.ID,
		"code", env.Code(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return env, nil
}

func (w *Worker) run(ctx context.Context, task Task, reg registration) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked",
				"task", task.Name,
				"task_id", task.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			env = Failure(reg.failureCode, "internal error", nil)
		}
	}()
	params := task.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return reg.handle(ctx, params)
}
