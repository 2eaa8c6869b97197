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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	enterrors "github.com/weaviate/esync/entities/errors"
	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
	"github.com/weaviate/esync/usecases/monitoring"
)

// ScopeConfig is the behavior of one batching scope. Only the outermost
// scope's config is honored; nested scopes with a different config are
// ignored with a logged mismatch.
type ScopeConfig struct {
	// Blocking flushes inline on scope exit instead of deferring to the
	// task queue.
	Blocking bool

	// Verify makes a blocking flush wait until the remote store visibly
	// reflects the write.
	Verify bool

	// Forced indexes entities even if their timestamps say they are current.
	Forced bool
}

// Outcome classifies what happened to one tracked intent.
type Outcome string

const (
	OutcomeTracked  Outcome = "tracked"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDisabled Outcome = "disabled"
)

type scopeState int

const (
	// stateIdle: no scope open, intents are not accepted.
	stateIdle scopeState = iota
	// stateAccumulating: inside one or more nested scopes, intents batch up.
	stateAccumulating
	// stateDraining: the outermost scope is flushing; intents triggered by
	// the flush itself are skipped to prevent reentrant writes.
	stateDraining
)

type indexIntent struct {
	entity indexable.Entity
	forced bool
}

type typeIntents struct {
	typ     *indexable.Type
	index   map[uuid.UUID]indexIntent
	deletes map[uuid.UUID]struct{}
}

// Coordinator batches per-entity index and delete intents between the primary
// database's transaction begin/end events and flushes them as a unit on
// outermost exit, either inline or via the task queue. It is an explicit
// state machine (idle, accumulating, draining) owned by the process
// bootstrap; one logical coordinator exists per process and concurrent scope
// users must coordinate externally.
type Coordinator struct {
	mu      gosync.Mutex
	state   scopeState
	config  ScopeConfig
	depth   int
	started time.Time
	pending map[string]*typeIntents

	disabled atomic.Bool

	registry   *indexable.Registry
	store      Store
	executor   *BatchExecutor
	queue      TaskQueue
	tracker    *CompletionTracker
	cfg        config.Config
	logger     logrus.FieldLogger
	metrics    *monitoring.PrometheusMetrics
	timeSource timeSource
}

func NewCoordinator(registry *indexable.Registry, store Store,
	executor *BatchExecutor, queue TaskQueue, tracker *CompletionTracker,
	cfg config.Config, logger logrus.FieldLogger,
	metrics *monitoring.PrometheusMetrics,
) *Coordinator {
	return &Coordinator{
		state:      stateIdle,
		pending:    map[string]*typeIntents{},
		registry:   registry,
		store:      store,
		executor:   executor,
		queue:      queue,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		timeSource: defaultTimeSource{},
	}
}

// Enter opens a scope. Entering while one is already open nests: the depth
// grows but the outer config stays in charge.
func (c *Coordinator) Enter(cfg ScopeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateIdle:
		c.resetLocked()
		c.state = stateAccumulating
		c.config = cfg
		c.depth = 1
		c.started = c.timeSource.Now()
	case stateAccumulating:
		if cfg != c.config {
			c.logger.WithFields(logrus.Fields{
				"outer": c.config,
				"inner": cfg,
			}).Warn("nested scope config differs from outer scope, ignoring")
		}
		c.depth++
	case stateDraining:
		// scopes opened by the flush itself only balance the depth counter
		c.depth++
	}
}

// TrackIndex records an index intent for the current scope. Intents for the
// same guid deduplicate; a forced intent stays forced.
func (c *Coordinator) TrackIndex(typ *indexable.Type, entity indexable.Entity, forced bool) Outcome {
	if c.disabled.Load() {
		return OutcomeDisabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateAccumulating {
		return OutcomeSkipped
	}

	ti := c.intentsFor(typ)
	prev, ok := ti.index[entity.GUID()]
	if ok {
		forced = forced || prev.forced
	}
	ti.index[entity.GUID()] = indexIntent{entity: entity, forced: forced}
	return OutcomeTracked
}

// TrackDelete records a delete intent. A delete always wins over an index
// intent for the same guid within the same flush.
func (c *Coordinator) TrackDelete(typ *indexable.Type, guid uuid.UUID) Outcome {
	if c.disabled.Load() {
		return OutcomeDisabled
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateAccumulating {
		return OutcomeSkipped
	}

	c.intentsFor(typ).deletes[guid] = struct{}{}
	return OutcomeTracked
}

func (c *Coordinator) intentsFor(typ *indexable.Type) *typeIntents {
	ti, ok := c.pending[typ.Name]
	if !ok {
		ti = &typeIntents{
			typ:     typ,
			index:   map[uuid.UUID]indexIntent{},
			deletes: map[uuid.UUID]struct{}{},
		}
		c.pending[typ.Name] = ti
	}
	return ti
}

// Exit closes one scope level. Closing the outermost level drains the
// accumulated intents; flush failures degrade to logged partial counts, so
// Exit only errors on a failed verify wait.
func (c *Coordinator) Exit(ctx context.Context) error {
	c.mu.Lock()

	switch c.state {
	case stateIdle:
		c.mu.Unlock()
		c.logger.Warn("scope exit without matching enter")
		return nil
	case stateDraining:
		if c.depth > 0 {
			c.depth--
		}
		c.mu.Unlock()
		return nil
	}

	c.depth--
	if c.depth > 0 {
		c.mu.Unlock()
		return nil
	}

	// outermost exit: block reentrant work while flushing
	c.state = stateDraining
	cfg := c.config
	drained := c.pending
	c.pending = map[string]*typeIntents{}
	c.mu.Unlock()

	c.flush(ctx, cfg, drained)

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	if cfg.Blocking && cfg.Verify {
		return c.Verify(ctx, c.cfg.VerifyTimeout)
	}
	return nil
}

func (c *Coordinator) flush(ctx context.Context, cfg ScopeConfig, drained map[string]*typeIntents) {
	for _, ti := range drained {
		// delete wins over index for the same guid
		for guid := range ti.deletes {
			delete(ti.index, guid)
		}

		deletes := make([]uuid.UUID, 0, len(ti.deletes))
		for guid := range ti.deletes {
			deletes = append(deletes, guid)
		}

		// force is carried per intent; a scope-wide force promotes all of
		// them, otherwise forced and unforced flush as separate batches so
		// one forced intent cannot rewrite already-current neighbors
		var forced, unforced []indexable.Entity
		for _, intent := range ti.index {
			if cfg.Forced || intent.forced {
				forced = append(forced, intent.entity)
			} else {
				unforced = append(unforced, intent.entity)
			}
		}

		if cfg.Blocking {
			if len(deletes) > 0 {
				c.executor.DeleteMany(ctx, ti.typ, deletes)
			}
			if len(unforced) > 0 {
				c.executor.IndexMany(ctx, ti.typ, unforced, false)
			}
			if len(forced) > 0 {
				c.executor.IndexMany(ctx, ti.typ, forced, true)
			}
			continue
		}

		if len(deletes) > 0 {
			args := append([]string{ti.typ.Name}, guidStrings(deletes)...)
			c.enqueue(TaskDeleteMany, args)
		}
		if len(unforced) > 0 {
			args := append([]string{ti.typ.Name, boolFlag(false)}, guidStrings(guidsOf(unforced))...)
			c.enqueue(TaskIndexMany, args)
		}
		if len(forced) > 0 {
			args := append([]string{ti.typ.Name, boolFlag(true)}, guidStrings(guidsOf(forced))...)
			c.enqueue(TaskIndexMany, args)
		}
	}
}

func (c *Coordinator) enqueue(name string, args []string) {
	task, promise, err := c.queue.Enqueue(name, args...)
	if err != nil {
		c.logger.WithError(err).WithField("task", name).
			Error("could not defer flush to task queue")
		return
	}
	c.tracker.Track(task, promise)
}

// Abort force-unwinds the scope stack: whatever has accumulated is drained
// with the current config, then the coordinator returns to idle no matter
// what. Used on exceptions inside a scope and on scope-age timeout.
func (c *Coordinator) Abort(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state == stateIdle {
		c.resetLocked()
		c.mu.Unlock()
		return
	}

	c.logger.WithFields(logrus.Fields{
		"reason": reason,
		"age":    c.timeSource.Now().Sub(c.started).String(),
		"depth":  c.depth,
	}).Warn("aborting batching scope")

	// collapse the stack to a single level of the surviving config and
	// drain through the regular exit path
	c.state = stateAccumulating
	c.depth = 1
	c.mu.Unlock()

	if err := c.Exit(ctx); err != nil {
		c.logger.WithError(err).Warn("verify after abort drain failed")
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

// Check aborts the scope if it has been open longer than limit and reports
// the timeout. A zero limit falls back to the configured scope timeout.
func (c *Coordinator) Check(ctx context.Context, limit time.Duration) error {
	if limit == 0 {
		limit = c.cfg.ScopeTimeout
	}

	c.mu.Lock()
	open := c.state != stateIdle
	age := c.timeSource.Now().Sub(c.started)
	c.mu.Unlock()

	if !open || age <= limit {
		return nil
	}

	c.Abort(ctx, "scope exceeded age limit "+limit.String())
	return enterrors.NewDeadlineExceeded("batching scope open for %s, limit %s", age, limit)
}

// Verify polls the outdated count of every registered type until it reaches
// zero or the timeout elapses, bridging the remote store's near-real-time
// refresh delay.
func (c *Coordinator) Verify(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		outdated := 0
		for _, typ := range c.registry.All() {
			n, err := c.store.CountOutdated(ctx, typ)
			if err != nil {
				return err
			}
			outdated += n
		}
		if outdated == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			c.logger.WithField("outdated", outdated).
				Error("remote index still stale after verify deadline")
			return enterrors.NewDeadlineExceeded("%d entities still outdated after %s",
				outdated, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.VerifyInterval):
		}
	}
}

// Reset unconditionally returns the coordinator to idle, discarding pending
// intents.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Coordinator) resetLocked() {
	c.state = stateIdle
	c.depth = 0
	c.started = time.Time{}
	c.pending = map[string]*typeIntents{}
}

// Disable bypasses all writes: tracked intents report "disabled" and nothing
// accumulates, without touching the scope machinery. Used to avoid recursive
// self-indexing during corrective operations.
func (c *Coordinator) Disable() { c.disabled.Store(true) }

// Enable re-activates write tracking.
func (c *Coordinator) Enable() { c.disabled.Store(false) }

// Disabled reports whether writes are bypassed.
func (c *Coordinator) Disabled() bool { return c.disabled.Load() }

// Active reports the number of background flushes not yet confirmed.
func (c *Coordinator) Active() int { return c.tracker.Active() }

func guidStrings(guids []uuid.UUID) []string {
	out := make([]string, len(guids))
	for i, g := range guids {
		out[i] = g.String()
	}
	return out
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
