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

	"github.com/weaviate/esync/entities/indexable"
)

type fixedClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEntity struct {
	indexable.Record
	Name string `json:"name"`

	indexedHooks int
}

func (e *testEntity) OnIndexed() { e.indexedHooks++ }

// badEntity declares a serializer whose output survives the declared path but
// fails the JSON postcondition, so every batch containing it fails.
type badEntity struct {
	indexable.Record
}

func (e *badEntity) SerializeDocument() (map[string]interface{}, error) {
	return map[string]interface{}{"payload": make(chan int)}, nil
}

type fakeStore struct {
	mu    gosync.Mutex
	order map[string][]uuid.UUID
	rows  map[string]map[uuid.UUID]indexable.Entity

	markIndexedErr error
	queryFn        func(q Query) (*QueryResult, error)
	queries        []Query
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		order: map[string][]uuid.UUID{},
		rows:  map[string]map[uuid.UUID]indexable.Entity{},
	}
}

func (s *fakeStore) add(typ *indexable.Type, ents ...indexable.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[typ.Name] == nil {
		s.rows[typ.Name] = map[uuid.UUID]indexable.Entity{}
	}
	for _, e := range ents {
		if _, ok := s.rows[typ.Name][e.GUID()]; !ok {
			s.order[typ.Name] = append(s.order[typ.Name], e.GUID())
		}
		s.rows[typ.Name][e.GUID()] = e
	}
}

func (s *fakeStore) remove(typ *indexable.Type, guid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[typ.Name], guid)
	kept := s.order[typ.Name][:0]
	for _, g := range s.order[typ.Name] {
		if g != guid {
			kept = append(kept, g)
		}
	}
	s.order[typ.Name] = kept
}

func (s *fakeStore) Load(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) ([]indexable.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]indexable.Entity, 0, len(guids))
	for _, g := range guids {
		if e, ok := s.rows[typ.Name][g]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) AllGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.order[typ.Name]...), nil
}

func (s *fakeStore) OutdatedGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, g := range s.order[typ.Name] {
		if e := s.rows[typ.Name][g]; e != nil && !indexable.Current(e) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) CountOutdated(ctx context.Context, typ *indexable.Type) (int, error) {
	out, err := s.OutdatedGUIDs(ctx, typ)
	return len(out), err
}

func (s *fakeStore) FilterExisting(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, g := range guids {
		if _, ok := s.rows[typ.Name][g]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkIndexed(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID, ts time.Time,
) error {
	if s.markIndexedErr != nil {
		return s.markIndexedErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guids {
		if e, ok := s.rows[typ.Name][g]; ok {
			e.SetIndexed(ts)
		}
	}
	return nil
}

func (s *fakeStore) MarkUpdated(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID, ts time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range guids {
		if e, ok := s.rows[typ.Name][g]; ok {
			e.SetUpdated(ts)
		}
	}
	return nil
}

func (s *fakeStore) InvalidateAll(ctx context.Context, typ *indexable.Type,
	ts time.Time,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.rows[typ.Name] {
		e.SetUpdated(ts)
		n++
	}
	return n, nil
}

func (s *fakeStore) Query(ctx context.Context, typ *indexable.Type, q Query) (*QueryResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	fn := s.queryFn
	s.mu.Unlock()
	if fn != nil {
		return fn(q)
	}

	guids := q.GUIDs
	if guids == nil {
		guids, _ = s.AllGUIDs(ctx, typ)
	} else {
		guids, _ = s.FilterExisting(ctx, typ, guids)
	}
	res := &QueryResult{Total: len(guids), GUIDs: guids}
	if !q.GUIDsOnly {
		res.Entities, _ = s.Load(ctx, typ, guids)
	}
	return res, nil
}

type fakeRemote struct {
	mu   gosync.Mutex
	docs map[string]map[uuid.UUID]map[string]interface{}

	// any bulk call touching one of these guids fails as a whole
	failGUIDs map[uuid.UUID]struct{}
	bulkErr   error

	bulkCalls    int
	bulkSizes    []int
	refreshes    int
	createCalls  int
	deleteCalls  int
	pitOpens     int
	pitCloses    int
	mapping      map[string]interface{}
	health       string
	searchFn     func(query map[string]interface{}, sort []map[string]interface{}, from, size int) (*SearchHits, error)
	searchSorts  [][]map[string]interface{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		docs:      map[string]map[uuid.UUID]map[string]interface{}{},
		failGUIDs: map[uuid.UUID]struct{}{},
		health:    "green",
	}
}

func (r *fakeRemote) put(index string, guid uuid.UUID, body map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docs[index] == nil {
		r.docs[index] = map[uuid.UUID]map[string]interface{}{}
	}
	r.docs[index][guid] = body
}

func (r *fakeRemote) has(index string, guid uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.docs[index][guid]
	return ok
}

func (r *fakeRemote) count(index string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs[index])
}

func (r *fakeRemote) Exists(ctx context.Context, index string, guid uuid.UUID) (bool, error) {
	return r.has(index, guid), nil
}

func (r *fakeRemote) Get(ctx context.Context, index string, guid uuid.UUID) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.docs[index][guid]
	if !ok {
		return nil, errors.New("not found")
	}
	return body, nil
}

func (r *fakeRemote) Index(ctx context.Context, index string, guid uuid.UUID,
	body map[string]interface{},
) error {
	r.put(index, guid, body)
	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, index string, guid uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs[index], guid)
	return nil
}

func (r *fakeRemote) Bulk(ctx context.Context, index string, actions []BulkAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkCalls++
	r.bulkSizes = append(r.bulkSizes, len(actions))

	if r.bulkErr != nil {
		return r.bulkErr
	}
	for _, a := range actions {
		if _, bad := r.failGUIDs[a.GUID]; bad {
			return &BulkError{Items: []BulkItemError{{GUID: a.GUID, Status: 400, Reason: "rejected"}}}
		}
	}

	if r.docs[index] == nil {
		r.docs[index] = map[uuid.UUID]map[string]interface{}{}
	}
	for _, a := range actions {
		switch a.Kind {
		case ActionIndex:
			r.docs[index][a.GUID] = a.Body
		case ActionDelete:
			delete(r.docs[index], a.GUID)
		}
	}
	return nil
}

func (r *fakeRemote) ExistsMany(ctx context.Context, index string,
	guids []uuid.UUID,
) (map[uuid.UUID]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(guids))
	for _, g := range guids {
		_, ok := r.docs[index][g]
		out[g] = ok
	}
	return out, nil
}

func (r *fakeRemote) CreateIndex(ctx context.Context, index string,
	mappings, settings map[string]interface{},
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.docs[index] == nil {
		r.docs[index] = map[uuid.UUID]map[string]interface{}{}
	}
	r.mapping = mappings
	return nil
}

func (r *fakeRemote) DeleteIndex(ctx context.Context, index string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	delete(r.docs, index)
	return nil
}

func (r *fakeRemote) IndexExists(ctx context.Context, index string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.docs[index]
	return ok, nil
}

func (r *fakeRemote) Refresh(ctx context.Context, index string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
	return nil
}

func (r *fakeRemote) GetMapping(ctx context.Context, index string) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mapping, nil
}

func (r *fakeRemote) DocCount(ctx context.Context, index string) (int64, error) {
	return int64(r.count(index)), nil
}

func (r *fakeRemote) ClusterHealth(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health, nil
}

func (r *fakeRemote) OpenPointInTime(ctx context.Context, index string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pitOpens++
	return "pit-1", nil
}

func (r *fakeRemote) ClosePointInTime(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pitCloses++
	return nil
}

func (r *fakeRemote) ScanGUIDs(ctx context.Context, index string) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.docs[index]))
	for g := range r.docs[index] {
		out = append(out, g)
	}
	return out, nil
}

func (r *fakeRemote) Search(ctx context.Context, index string,
	query map[string]interface{}, sort []map[string]interface{}, from, size int,
) (*SearchHits, error) {
	r.mu.Lock()
	r.searchSorts = append(r.searchSorts, sort)
	fn := r.searchFn
	r.mu.Unlock()
	if fn != nil {
		return fn(query, sort, from, size)
	}
	guids, _ := r.ScanGUIDs(ctx, index)
	return &SearchHits{Total: len(guids), GUIDs: guids}, nil
}

type fakePromise struct {
	mu    gosync.Mutex
	ready bool
	err   error
}

func (p *fakePromise) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePromise) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	return p.err
}

func (p *fakePromise) resolve(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = true
	p.err = err
}

type enqueuedTask struct {
	task    *Task
	promise *fakePromise
}

// fakeQueue records enqueued tasks. With a handler set, tasks execute
// synchronously on Enqueue; without one, promises resolve manually.
type fakeQueue struct {
	mu         gosync.Mutex
	handler    func(name string, args []string) error
	enqueued   []enqueuedTask
	enqueueErr error
	revoked    []uuid.UUID
}

func (q *fakeQueue) Enqueue(name string, args ...string) (*Task, TaskPromise, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, nil, q.enqueueErr
	}

	task := &Task{ID: uuid.New(), Name: name, Args: args}
	promise := &fakePromise{}
	q.enqueued = append(q.enqueued, enqueuedTask{task: task, promise: promise})
	if q.handler != nil {
		promise.resolve(q.handler(name, args))
	}
	return task, promise, nil
}

func (q *fakeQueue) Revoke(id uuid.UUID, terminate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revoked = append(q.revoked, id)
}

func (q *fakeQueue) tasks() []enqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueuedTask(nil), q.enqueued...)
}
