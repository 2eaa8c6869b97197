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

	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/esync/entities/errors"
	"github.com/weaviate/esync/entities/indexable"
)

// Janitor periodically self-heals drift: it reaps finished background tasks,
// aborts scopes that outlived their limit, and re-indexes stale or missing
// entities. One janitor per process, started by the bootstrap.
type Janitor struct {
	coordinator *Coordinator
	reconciler  *Reconciler
	registry    *indexable.Registry
	interval    time.Duration
	logger      logrus.FieldLogger

	mu      gosync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewJanitor(coordinator *Coordinator, reconciler *Reconciler,
	registry *indexable.Registry, interval time.Duration,
	logger logrus.FieldLogger,
) *Janitor {
	return &Janitor{
		coordinator: coordinator,
		reconciler:  reconciler,
		registry:    registry,
		interval:    interval,
		logger:      logger,
	}
}

// Start launches the cycle goroutine. Does nothing if already running.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.running = true
	j.stop = make(chan struct{})
	j.done = make(chan struct{})

	stop, done := j.stop, j.done
	enterrors.GoWrapper(func() {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				j.cycle(context.Background())
			}
		}
	}, j.logger)
}

func (j *Janitor) cycle(ctx context.Context) {
	if err := j.coordinator.Check(ctx, 0); err != nil {
		j.logger.WithError(err).Warn("aborted overaged scope")
	}
	j.coordinator.Active()

	for _, typ := range j.registry.All() {
		n, err := j.reconciler.IndexAll(ctx, typ, IndexAllOptions{Update: true})
		if err != nil {
			j.logger.WithError(err).WithField("type", typ.Name).
				Warn("self-heal pass failed")
			continue
		}
		if n > 0 {
			j.logger.WithFields(logrus.Fields{"type": typ.Name, "healed": n}).
				Info("self-heal pass re-indexed entities")
		}
	}
}

// Stop halts the cycle goroutine, waiting until the running cycle finishes
// or the context expires.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	close(j.stop)
	done := j.done
	j.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
