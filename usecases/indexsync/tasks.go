//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package indexsync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/monitoring"
)

// Task names understood by the background task runner.
const (
	TaskIndexMany  = "esync.index_many"
	TaskDeleteMany = "esync.delete_many"
)

// TaskRunner executes deferred flushes on task-queue workers. Args carry only
// type tag and guids; entities are reloaded from primary storage so a worker
// always indexes the freshest state.
type TaskRunner struct {
	registry *indexable.Registry
	store    Store
	executor *BatchExecutor
	logger   logrus.FieldLogger
}

func NewTaskRunner(registry *indexable.Registry, store Store,
	executor *BatchExecutor, logger logrus.FieldLogger,
) *TaskRunner {
	return &TaskRunner{registry: registry, store: store, executor: executor, logger: logger}
}

// Run dispatches one task by name. A partial flush returns an error so the
// queue's retry budget applies to the remainder.
func (r *TaskRunner) Run(ctx context.Context, name string, args []string) error {
	switch name {
	case TaskIndexMany:
		return r.runIndex(ctx, args)
	case TaskDeleteMany:
		return r.runDelete(ctx, args)
	default:
		return errors.Errorf("unknown task %q", name)
	}
}

func (r *TaskRunner) runIndex(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("index task needs a type tag and a forced flag")
	}
	typ, err := r.registry.Get(args[0])
	if err != nil {
		return err
	}
	forced := args[1] == "1"
	guids, err := parseGUIDs(args[2:])
	if err != nil {
		return err
	}
	if len(guids) == 0 {
		return nil
	}

	entities, err := r.store.Load(ctx, typ, guids)
	if err != nil {
		return errors.Wrapf(err, "load %d entities of %s", len(guids), typ.Name)
	}

	succeeded := r.executor.IndexMany(ctx, typ, entities, forced)
	if succeeded < len(entities) {
		return errors.Errorf("index task for %s: %d of %d documents written",
			typ.Name, succeeded, len(entities))
	}
	return nil
}

func (r *TaskRunner) runDelete(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("delete task needs a type tag")
	}
	typ, err := r.registry.Get(args[0])
	if err != nil {
		return err
	}
	guids, err := parseGUIDs(args[1:])
	if err != nil {
		return err
	}
	if len(guids) == 0 {
		return nil
	}

	succeeded := r.executor.DeleteMany(ctx, typ, guids)
	if succeeded < len(guids) {
		return errors.Errorf("delete task for %s: %d of %d documents removed",
			typ.Name, succeeded, len(guids))
	}
	return nil
}

func parseGUIDs(args []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		g, err := uuid.Parse(a)
		if err != nil {
			return nil, errors.Wrapf(err, "parse guid %q", a)
		}
		out = append(out, g)
	}
	return out, nil
}

type trackedTask struct {
	task     *Task
	promise  TaskPromise
	retries  int
	enqueued time.Time
}

// CompletionTracker is the async-completion registry: every deferred flush is
// tracked until its task completes, retried a bounded number of times on
// failure, and force-revoked at shutdown.
type CompletionTracker struct {
	mu         gosync.Mutex
	queue      TaskQueue
	maxRetries int
	pending    []trackedTask
	logger     logrus.FieldLogger
	metrics    *monitoring.PrometheusMetrics
}

func NewCompletionTracker(queue TaskQueue, maxRetries int,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *CompletionTracker {
	return &CompletionTracker{
		queue:      queue,
		maxRetries: maxRetries,
		logger:     logger,
		metrics:    metrics,
	}
}

func (t *CompletionTracker) Track(task *Task, promise TaskPromise) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, trackedTask{task: task, promise: promise, enqueued: time.Now()})
	t.metrics.SetAsyncInFlight(len(t.pending))
}

// Active reaps finished tasks and returns how many are still in flight.
func (t *CompletionTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reapLocked()
	return len(t.pending)
}

func (t *CompletionTracker) reapLocked() {
	remaining := t.pending[:0]
	for _, tt := range t.pending {
		if !tt.promise.Ready() {
			remaining = append(remaining, tt)
			continue
		}

		err := tt.promise.Err()
		if err == nil {
			continue
		}

		if tt.retries >= t.maxRetries {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"task":    tt.task.Name,
				"retries": tt.retries,
			}).Error("background flush failed permanently")
			continue
		}

		task, promise, enqErr := t.queue.Enqueue(tt.task.Name, tt.task.Args...)
		if enqErr != nil {
			t.logger.WithError(enqErr).WithField("task", tt.task.Name).
				Error("could not re-enqueue failed background flush")
			continue
		}
		task.Retries = tt.retries + 1
		t.logger.WithError(err).WithFields(logrus.Fields{
			"task":    tt.task.Name,
			"retries": task.Retries,
		}).Warn("background flush failed, re-enqueued")
		remaining = append(remaining, trackedTask{
			task:     task,
			promise:  promise,
			retries:  tt.retries + 1,
			enqueued: time.Now(),
		})
	}
	t.pending = remaining
	t.metrics.SetAsyncInFlight(len(t.pending))
}

// Shutdown drains outstanding tasks until the context expires, then revokes
// whatever is left. A non-nil error means tasks had to be killed.
func (t *CompletionTracker) Shutdown(ctx context.Context) error {
	for {
		if t.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			t.mu.Lock()
			revoked := len(t.pending)
			for _, tt := range t.pending {
				t.queue.Revoke(tt.task.ID, true)
			}
			t.pending = nil
			t.metrics.SetAsyncInFlight(0)
			t.mu.Unlock()
			return errors.Errorf("shutdown revoked %d unfinished background flushes", revoked)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
