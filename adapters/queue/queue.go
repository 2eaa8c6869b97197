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

package queue

import (
	"context"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/esync/entities/errors"
	"github.com/weaviate/esync/usecases/indexsync"
)

const defaultBuffer = 1024

// Handler executes one task by name. It is registered once at construction;
// the sync subsystem's task runner is the usual implementation.
type Handler func(ctx context.Context, name string, args []string) error

type promise struct {
	done chan struct{}
	err  error
}

func (p *promise) Ready() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *promise) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

type job struct {
	task    *indexsync.Task
	promise *promise
	ctx     context.Context
	cancel  context.CancelFunc
}

// Queue is an in-process implementation of the task-queue boundary: a
// bounded worker pool executing enqueued tasks with exponential backoff
// between transient-failure retries, promise completion handles and
// revocation. It serves deployments without an external broker, and tests.
type Queue struct {
	handler Handler
	jobs    chan *job
	logger  logrus.FieldLogger

	mu      gosync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelFunc

	wg gosync.WaitGroup
}

func New(handler Handler, workers int, logger logrus.FieldLogger) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		handler: handler,
		jobs:    make(chan *job, defaultBuffer),
		logger:  logger,
		running: map[uuid.UUID]context.CancelFunc{},
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue submits a task for background execution. The channel send happens
// under the same lock Close takes before closing the channel, so Enqueue can
// never race a concurrent Close into a send on a closed channel.
func (q *Queue) Enqueue(name string, args ...string) (*indexsync.Task, indexsync.TaskPromise, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, nil, errors.New("queue closed")
	}

	task := &indexsync.Task{ID: uuid.New(), Name: name, Args: args}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		task:    task,
		promise: &promise{done: make(chan struct{})},
		ctx:     ctx,
		cancel:  cancel,
	}

	select {
	case q.jobs <- j:
		q.running[task.ID] = cancel
		return task, j.promise, nil
	default:
		cancel()
		return nil, nil, errors.Errorf("queue full, dropping task %s", name)
	}
}

// Revoke cancels a task. A queued task is skipped; a running one has its
// context cancelled, which terminates it only if terminate is set (a
// non-terminating revoke lets the current attempt finish).
func (q *Queue) Revoke(id uuid.UUID, terminate bool) {
	if !terminate {
		return
	}
	q.mu.Lock()
	cancel, ok := q.running[id]
	q.mu.Unlock()
	if ok {
		cancel()
	}
}

func (q *Queue) forget(id uuid.UUID) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for j := range q.jobs {
		if j.ctx.Err() != nil {
			j.promise.err = j.ctx.Err()
			close(j.promise.done)
			q.forget(j.task.ID)
			continue
		}

		j.promise.err = q.run(j)
		close(j.promise.done)
		q.forget(j.task.ID)
		j.cancel()
	}
}

// run executes one task, retrying transient failures with exponential
// backoff. Permanent failures and cancellations end the attempt immediately.
func (q *Queue) run(j *job) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(time.Minute),
	), j.ctx)

	err := backoff.Retry(func() error {
		if err := j.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := q.handler(j.ctx, j.task.Name, j.task.Args)
		if err == nil {
			return nil
		}
		if enterrors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		q.logger.WithError(err).WithField("task", j.task.Name).
			Warn("background task failed")
	}
	return err
}

// Close stops accepting work and waits for in-flight tasks, cancelling them
// if the context expires first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for _, cancel := range q.running {
			cancel()
		}
		q.mu.Unlock()
		<-done
		return ctx.Err()
	}
}
