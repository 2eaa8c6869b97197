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
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
)

func testType(name string) *indexable.Type {
	return &indexable.Type{
		Name:  name,
		Index: name + "_v1",
		New:   func() indexable.Entity { return &testEntity{} },
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{}
	require.Nil(t, cfg.Validate())
	return cfg
}

func staleEntity(name string) *testEntity {
	return &testEntity{
		Record: indexable.Record{
			ID: uuid.New(),
			// backdated so the fixture predates the tests' fixed clocks,
			// which are frozen at their creation instant
			UpdatedAt: time.Now().Add(-time.Minute),
		},
		Name: name,
	}
}

func currentEntity(name string) *testEntity {
	now := time.Now().Add(-time.Minute)
	return &testEntity{
		Record: indexable.Record{
			ID:        uuid.New(),
			UpdatedAt: now,
			IndexedAt: now,
		},
		Name: name,
	}
}

func newTestExecutor(t *testing.T, store *fakeStore, remote *fakeRemote,
	cfg config.Config,
) (*BatchExecutor, *fixedClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	e := NewBatchExecutor(store, remote, cfg, logger, nil)
	clock := newFixedClock(time.Now())
	e.timeSource = clock
	return e, clock
}

func TestIndexManySkipsCurrentEntities(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	entities := []indexable.Entity{
		currentEntity("c1"), currentEntity("c2"), currentEntity("c3"),
		staleEntity("s1"), staleEntity("s2"),
	}
	store.add(typ, entities...)

	n := e.IndexMany(context.Background(), typ, entities, false)
	assert.Equal(t, 5, n)
	assert.Equal(t, 2, remote.count(typ.Index), "only stale entities get written")
}

func TestIndexManyForcedWritesCurrentEntities(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	entities := []indexable.Entity{currentEntity("c1"), currentEntity("c2")}
	store.add(typ, entities...)

	n := e.IndexMany(context.Background(), typ, entities, true)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, remote.count(typ.Index))
}

func TestIndexManyStampsWholeBatch(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, clock := newTestExecutor(t, store, remote, testConfig(t))

	entities := make([]indexable.Entity, 0, 10)
	for i := 0; i < 10; i++ {
		entities = append(entities, staleEntity(fmt.Sprintf("e%d", i)))
	}
	store.add(typ, entities...)

	n := e.IndexMany(context.Background(), typ, entities, false)
	require.Equal(t, 10, n)

	for _, ent := range entities {
		assert.True(t, indexable.Current(ent))
		assert.Equal(t, clock.Now(), ent.Indexed())
		assert.Equal(t, 1, ent.(*testEntity).indexedHooks)
	}
	assert.GreaterOrEqual(t, remote.refreshes, 1)
}

func TestIndexManyBisectsAroundRejectedDocument(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	entities := make([]indexable.Entity, 0, 100)
	for i := 0; i < 100; i++ {
		entities = append(entities, staleEntity(fmt.Sprintf("e%d", i)))
	}
	store.add(typ, entities...)

	bad := entities[57]
	remote.failGUIDs[bad.GUID()] = struct{}{}

	n := e.IndexMany(context.Background(), typ, entities, false)
	assert.Equal(t, 99, n)
	assert.Greater(t, remote.bulkCalls, 1, "failure must trigger splitting")

	assert.False(t, remote.has(typ.Index, bad.GUID()))
	assert.False(t, indexable.Current(bad))
	for i, ent := range entities {
		if i == 57 {
			continue
		}
		assert.True(t, remote.has(typ.Index, ent.GUID()), "entity %d", i)
		assert.True(t, indexable.Current(ent), "entity %d", i)
	}
}

func TestIndexManyIsolatesSerializerFailure(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	bad := &badEntity{Record: indexable.Record{ID: uuid.New(), UpdatedAt: time.Now()}}
	entities := []indexable.Entity{
		staleEntity("a"), bad, staleEntity("b"), staleEntity("c"),
	}
	store.add(typ, entities...)

	n := e.IndexMany(context.Background(), typ, entities, false)
	assert.Equal(t, 3, n)
	assert.False(t, remote.has(typ.Index, bad.GUID()))
}

func TestIndexManyDepthCapDropsSubBatch(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	remote.bulkErr = &BulkError{Items: []BulkItemError{{Status: 500, Reason: "boom"}}}

	cfg := testConfig(t)
	cfg.MaxBisectDepth = 1
	e, _ := newTestExecutor(t, store, remote, cfg)

	entities := []indexable.Entity{
		staleEntity("a"), staleEntity("b"), staleEntity("c"), staleEntity("d"),
	}
	store.add(typ, entities...)

	n := e.IndexMany(context.Background(), typ, entities, false)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, remote.bulkCalls, "one full try plus one try per half")
}

func TestIndexManyRecordsIndexedOnMarkFailure(t *testing.T) {
	// remote write succeeding but the timestamp update failing must not
	// panic or undo the write, only log
	typ := testType("article")
	store := newFakeStore()
	store.markIndexedErr = fmt.Errorf("connection lost")
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	ent := staleEntity("a")
	store.add(typ, ent)

	n := e.IndexMany(context.Background(), typ, []indexable.Entity{ent}, false)
	assert.Equal(t, 1, n)
	assert.True(t, remote.has(typ.Index, ent.GUID()))
	assert.True(t, indexable.Current(ent), "in-memory timestamp still advances")
}

func TestDeleteManySkipsAbsentDocuments(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, clock := newTestExecutor(t, store, remote, testConfig(t))

	present := []*testEntity{currentEntity("a"), currentEntity("b")}
	absent := []*testEntity{currentEntity("c"), currentEntity("d"), currentEntity("e")}

	guids := make([]uuid.UUID, 0, 5)
	for _, ent := range present {
		store.add(typ, ent)
		remote.put(typ.Index, ent.GUID(), map[string]interface{}{})
		guids = append(guids, ent.GUID())
	}
	for _, ent := range absent {
		store.add(typ, ent)
		guids = append(guids, ent.GUID())
	}

	n := e.DeleteMany(context.Background(), typ, guids)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, remote.count(typ.Index))

	// confirmed deletions bump updated so a later pass re-checks the guid
	for _, ent := range present {
		assert.Equal(t, clock.Now(), ent.Updated())
	}
	for _, ent := range absent {
		assert.NotEqual(t, clock.Now(), ent.Updated())
	}
}

func TestDeleteManyBisectsAroundStuckDocument(t *testing.T) {
	typ := testType("article")
	store := newFakeStore()
	remote := newFakeRemote()
	e, _ := newTestExecutor(t, store, remote, testConfig(t))

	guids := make([]uuid.UUID, 0, 8)
	for i := 0; i < 8; i++ {
		g := uuid.New()
		remote.put(typ.Index, g, map[string]interface{}{})
		guids = append(guids, g)
	}
	remote.failGUIDs[guids[3]] = struct{}{}

	n := e.DeleteMany(context.Background(), typ, guids)
	assert.Equal(t, 7, n)
	assert.True(t, remote.has(typ.Index, guids[3]))
	assert.Equal(t, 1, remote.count(typ.Index))
}
