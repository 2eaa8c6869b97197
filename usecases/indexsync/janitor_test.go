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

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/esync/entities/indexable"
)

func TestJanitorSelfHealsStaleEntities(t *testing.T) {
	h := newReconcilerHarness(t)
	logger, _ := test.NewNullLogger()

	registry := h.reconciler.registry
	cfg := testConfig(t)
	queue := &fakeQueue{}
	tracker := NewCompletionTracker(queue, cfg.TaskRetries, logger, nil)
	coord := NewCoordinator(registry, h.store, h.reconciler.executor, queue,
		tracker, cfg, logger, nil)

	ent := staleEntity("a")
	h.store.add(h.typ, ent)

	j := NewJanitor(coord, h.reconciler, registry, 5*time.Millisecond, logger)
	j.Start()
	defer j.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if outdated, _ := h.store.CountOutdated(context.Background(), h.typ); outdated == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("janitor never re-indexed the stale entity")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Nil(t, j.Stop(context.Background()))
	assert.True(t, h.remote.has(h.typ.Index, ent.GUID()))
	assert.True(t, indexable.Current(ent))
}

func TestJanitorStartStopIdempotent(t *testing.T) {
	h := newReconcilerHarness(t)
	logger, _ := test.NewNullLogger()
	registry := h.reconciler.registry
	cfg := testConfig(t)
	queue := &fakeQueue{}
	tracker := NewCompletionTracker(queue, cfg.TaskRetries, logger, nil)
	coord := NewCoordinator(registry, h.store, h.reconciler.executor, queue,
		tracker, cfg, logger, nil)

	j := NewJanitor(coord, h.reconciler, registry, time.Hour, logger)
	j.Start()
	j.Start()
	require.Nil(t, j.Stop(context.Background()))
	require.Nil(t, j.Stop(context.Background()))
}
