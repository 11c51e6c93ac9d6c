// Package redisqueue feeds worker tasks from a Redis list and stores results
// under per-task keys.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/splax/botrunner/internal/domain"
	"github.com/splax/botrunner/internal/worker"
)

const (
	// ResultTTL is how long a result stays readable.
	ResultTTL = time.Hour

	defaultPoll     = 5 * time.Second
	defaultInFlight = 10
)

// Client is the subset of the redis client used by the queue.
type Client interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Dispatcher executes tasks.
type Dispatcher interface {
	Handle(ctx context.Context, task worker.Task) (worker.Envelope, error)
}

// Queue pops tasks from <prefix>:tasks and pushes envelopes to <prefix>:results:<task_id>.
type Queue struct {
	client     Client
	dispatcher Dispatcher
	prefix     string
	poll       time.Duration
	slots      *semaphore.Weighted
	log        *slog.Logger
	wg         sync.WaitGroup
}

// New constructs a Queue. At most maxInFlight popped tasks are processed at
// once; further tasks stay in Redis until a slot frees up.
func New(client Client, dispatcher Dispatcher, prefix string, maxInFlight int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultInFlight
	}
	if prefix == "" {
		prefix = "botrunner"
	}
	return &Queue{
		client:     client,
		dispatcher: dispatcher,
		prefix:     prefix,
		poll:       defaultPoll,
		slots:      semaphore.NewWeighted(int64(maxInFlight)),
		log:        logger.With("component", "redisqueue"),
	}
}

// TasksKey is the list tasks are read from.
func TasksKey(prefix string) string { return prefix + ":tasks" }

// ResultKey is the list a task's envelope is pushed to.
func ResultKey(prefix, taskID string) string { return prefix + ":results:" + taskID }

// Run polls until ctx is cancelled, then waits for in-flight tasks.
func (q *Queue) Run(ctx context.Context) error {
	defer q.wg.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	key := TasksKey(q.prefix)
	q.log.Info("polling task queue", "key", key)
	for {
		// A slot is taken before popping so a backlog stays in Redis.
		if err := q.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		res, err := q.client.BLPop(ctx, q.poll, key).Result()
		if err != nil || len(res) != 2 {
			q.slots.Release(1)
		}
		switch {
		case errors.Is(err, redis.Nil):
			bo.Reset()
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			q.log.Warn("task queue poll failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		// BLPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}
		q.wg.Add(1)
		go func(raw string) {
			defer q.wg.Done()
			defer q.slots.Release(1)
			q.process(ctx, raw)
		}(res[1])
	}
}

func (q *Queue) process(ctx context.Context, raw string) {
	var task worker.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.log.Warn("dropping malformed task", "error", err)
		return
	}
	if task.ID == "" {
		q.log.Warn("dropping task without task_id", "task", task.Name)
		return
	}
	env, err := q.dispatcher.Handle(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrUnknownTask):
			env = worker.Failure(domain.CodeValidationError, err.Error(), nil)
		default:
			q.log.Warn("task not executed", "task", task.Name, "task_id", task.ID, "error", err)
			return
		}
	}
	// Results are written even during shutdown.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.writeResult(writeCtx, task.ID, env); err != nil {
		q.log.Error("store task result failed", "task", task.Name, "task_id", task.ID, "error", err)
	}
}

func (q *Queue) writeResult(ctx context.Context, taskID string, env worker.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := ResultKey(q.prefix, taskID)
	if err := q.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("push result: %w", err)
	}
	if err := q.client.Expire(ctx, key, ResultTTL).Err(); err != nil {
		return fmt.Errorf("expire result: %w", err)
	}
	return nil
}

// Enqueue pushes a task, assigning an id when missing, and returns the id.
func Enqueue(ctx context.Context, client Client, prefix string, task worker.Task) (string, error) {
	if prefix == "" {
		prefix = "botrunner"
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	if err := client.RPush(ctx, TasksKey(prefix), payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ID, nil
}
