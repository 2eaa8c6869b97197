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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/esync/entities/indexable"
)

type reconcilerHarness struct {
	typ        *indexable.Type
	store      *fakeStore
	remote     *fakeRemote
	tracker    *CompletionTracker
	reconciler *Reconciler
	clock      *fixedClock
}

func newReconcilerHarness(t *testing.T) *reconcilerHarness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg := testConfig(t)

	typ := testType("article")
	registry := indexable.NewRegistry()
	require.Nil(t, registry.Register(typ))

	store := newFakeStore()
	remote := newFakeRemote()
	executor := NewBatchExecutor(store, remote, cfg, logger, nil)
	queue := &fakeQueue{}
	tracker := NewCompletionTracker(queue, cfg.TaskRetries, logger, nil)
	reconciler := NewReconciler(registry, store, remote, executor, tracker,
		cfg, logger, nil)

	clock := newFixedClock(time.Now())
	executor.timeSource = clock
	reconciler.timeSource = clock

	return &reconcilerHarness{
		typ:        typ,
		store:      store,
		remote:     remote,
		tracker:    tracker,
		reconciler: reconciler,
		clock:      clock,
	}
}

func TestIndexAllFreshIndex(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	entities := []indexable.Entity{staleEntity("a"), staleEntity("b"), staleEntity("c")}
	h.store.add(h.typ, entities...)

	n, err := h.reconciler.IndexAll(ctx, h.typ, IndexAllOptions{})
	require.Nil(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h.remote.count(h.typ.Index))
	assert.GreaterOrEqual(t, h.remote.createCalls, 1, "missing index gets created")

	// the cycle closes: a second pass finds nothing to do
	status, err := h.reconciler.Status(ctx, StatusOptions{Outdated: true, Missing: true})
	require.Nil(t, err)
	assert.Empty(t, status, "empty status is the definition of fully synced")
}

func TestIndexAllPrunesOrphans(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	kept := currentEntity("kept")
	h.store.add(h.typ, kept)
	h.remote.put(h.typ.Index, kept.GUID(), map[string]interface{}{})

	orphan := uuid.New()
	h.remote.put(h.typ.Index, orphan, map[string]interface{}{})

	_, err := h.reconciler.IndexAll(ctx, h.typ, IndexAllOptions{Prune: true})
	require.Nil(t, err)
	assert.False(t, h.remote.has(h.typ.Index, orphan))
	assert.True(t, h.remote.has(h.typ.Index, kept.GUID()))
}

func TestIndexAllUpdateTargetsStaleEntities(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	stale := staleEntity("stale")
	fresh := currentEntity("fresh")
	h.store.add(h.typ, stale, fresh)
	h.remote.put(h.typ.Index, stale.GUID(), map[string]interface{}{"name": "old"})
	h.remote.put(h.typ.Index, fresh.GUID(), map[string]interface{}{})

	n, err := h.reconciler.IndexAll(ctx, h.typ, IndexAllOptions{Update: true})
	require.Nil(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, indexable.Current(stale))
}

func TestIndexAllForceRewritesEverything(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	entities := []indexable.Entity{currentEntity("a"), currentEntity("b")}
	h.store.add(h.typ, entities...)
	for _, e := range entities {
		h.remote.put(h.typ.Index, e.GUID(), map[string]interface{}{})
	}

	n, err := h.reconciler.IndexAll(ctx, h.typ, IndexAllOptions{Force: true})
	require.Nil(t, err)
	assert.Equal(t, 2, n)
}

func TestPruneAllEmptiesOwnedDocuments(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	a, b := currentEntity("a"), currentEntity("b")
	h.store.add(h.typ, a, b)
	h.remote.put(h.typ.Index, a.GUID(), map[string]interface{}{})
	h.remote.put(h.typ.Index, b.GUID(), map[string]interface{}{})

	n, err := h.reconciler.PruneAll(ctx, h.typ)
	require.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, h.remote.count(h.typ.Index))
}

func TestInvalidateAllMarksEveryRowStale(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	a, b := currentEntity("a"), currentEntity("b")
	h.store.add(h.typ, a, b)

	n, err := h.reconciler.InvalidateAll(ctx, h.typ)
	require.Nil(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, indexable.Current(a))
	assert.False(t, indexable.Current(b))
}

func TestStatusReportsDrift(t *testing.T) {
	h := newReconcilerHarness(t)
	ctx := context.Background()

	stale := staleEntity("stale")
	missing := currentEntity("missing")
	h.store.add(h.typ, stale, missing)
	h.remote.put(h.typ.Index, stale.GUID(), map[string]interface{}{})
	extra := uuid.New()
	h.remote.put(h.typ.Index, extra, map[string]interface{}{})

	status, err := h.reconciler.Status(ctx, StatusOptions{Outdated: true, Missing: true})
	require.Nil(t, err)
	assert.Equal(t, 1, status[h.typ.Index+":outdated"])
	assert.Equal(t, 1, status[h.typ.Index+":missing"])
	assert.Equal(t, 1, status[h.typ.Index+":extra"])
}

func TestStatusFlagsNonGreenCluster(t *testing.T) {
	h := newReconcilerHarness(t)
	h.remote.health = "yellow"

	status, err := h.reconciler.Status(context.Background(), StatusOptions{Health: true})
	require.Nil(t, err)
	assert.Equal(t, "yellow", status["cluster:health"])
}
