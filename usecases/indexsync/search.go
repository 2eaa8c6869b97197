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
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
)

// PreSortedPrefix marks a sort key the remote store should resolve itself
// instead of a relational ORDER BY.
const PreSortedPrefix = "@"

// localFetchCap bounds how many hits the local-sort regime pulls from the
// remote store before handing ordering to the relational layer.
const localFetchCap = 10000

// SearchShape selects what a search call returns.
type SearchShape int

const (
	// ShapeEntities returns loaded entities.
	ShapeEntities SearchShape = iota
	// ShapeGUIDs returns bare guids.
	ShapeGUIDs
	// ShapeCounted returns the total alongside the page of entities.
	ShapeCounted
)

// SearchParams is a structured search request: query body, dotted sort path,
// direction, pagination and an optional guid allow-list.
type SearchParams struct {
	Query      map[string]interface{}
	Sort       string
	Descending bool
	Offset     int
	Limit      int
	GUIDs      []uuid.UUID
	Shape      SearchShape
}

// SearchResult carries whichever shape the caller asked for.
type SearchResult struct {
	Total    int
	GUIDs    []uuid.UUID
	Entities []indexable.Entity
}

// Searcher translates generic search requests into remote-index queries with
// a relational fallback, cross-referencing every hit against primary storage
// so stale remote documents are pruned on read and never returned.
type Searcher struct {
	store  Store
	remote RemoteIndex
	logger logrus.FieldLogger
}

func NewSearcher(store Store, remote RemoteIndex, logger logrus.FieldLogger) *Searcher {
	return &Searcher{store: store, remote: remote, logger: logger}
}

func (s *Searcher) Search(ctx context.Context, typ *indexable.Type,
	params SearchParams,
) (*SearchResult, error) {
	query := params.Query
	if len(query) == 0 {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	if len(params.GUIDs) > 0 {
		query = map[string]interface{}{
			"bool": map[string]interface{}{
				"must": query,
				"filter": map[string]interface{}{
					"ids": map[string]interface{}{"values": guidStrings(params.GUIDs)},
				},
			},
		}
	}

	preSorted := strings.HasPrefix(params.Sort, PreSortedPrefix)

	var (
		hits *SearchHits
		err  error
	)
	if preSorted {
		hits, err = s.remoteSearch(ctx, typ, query, params)
	} else {
		// local regime: pull the matching ids, order relationally below
		hits, err = s.remote.Search(ctx, typ.Index, query, nil, 0, localFetchCap)
	}
	if err != nil {
		s.logger.WithError(err).WithField("index", typ.Index).
			Warn("remote search failed, falling back to relational query")
		return s.relationalFallback(ctx, typ, params)
	}

	existing, ghosts, err := s.crossReference(ctx, typ, hits.GUIDs)
	if err != nil {
		return nil, err
	}
	total := hits.Total - len(ghosts)
	if total < 0 {
		total = 0
	}

	if preSorted {
		return s.shape(ctx, typ, existing, total, params)
	}

	// relational ORDER BY with pagination over the surviving hits
	q := Query{
		GUIDs:      existing,
		OrderBy:    params.Sort,
		Descending: params.Descending,
		Offset:     params.Offset,
		Limit:      params.Limit,
		GUIDsOnly:  params.Shape == ShapeGUIDs,
	}
	res, err := s.store.Query(ctx, typ, q)
	if err != nil {
		return nil, errors.Wrapf(err, "relational order of %s hits", typ.Name)
	}
	return &SearchResult{Total: total, GUIDs: res.GUIDs, Entities: res.Entities}, nil
}

// remoteSearch runs a pre-sorted query, falling back once to primary-key
// order if the remote store rejects the sort field.
func (s *Searcher) remoteSearch(ctx context.Context, typ *indexable.Type,
	query map[string]interface{}, params SearchParams,
) (*SearchHits, error) {
	field := strings.TrimPrefix(params.Sort, PreSortedPrefix)
	order := "asc"
	if params.Descending {
		order = "desc"
	}
	sort := []map[string]interface{}{
		{field: map[string]interface{}{"order": order}},
		// stable tiebreaker
		{"_id": map[string]interface{}{"order": "asc"}},
	}

	hits, err := s.remote.Search(ctx, typ.Index, query, sort, params.Offset, params.Limit)
	if err == nil {
		return hits, nil
	}

	s.logger.WithError(err).WithFields(logrus.Fields{
		"index": typ.Index,
		"sort":  field,
	}).Warn("remote store rejected sort, retrying unsorted")
	return s.remote.Search(ctx, typ.Index, query, nil, params.Offset, params.Limit)
}

// crossReference drops hits with no local row and prunes their remote
// documents. Ghost hits are never returned to the caller.
func (s *Searcher) crossReference(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) (existing, ghosts []uuid.UUID, err error) {
	if len(guids) == 0 {
		return nil, nil, nil
	}

	existing, err = s.store.FilterExisting(ctx, typ, guids)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "cross-reference %s hits", typ.Name)
	}

	known := make(map[uuid.UUID]struct{}, len(existing))
	for _, g := range existing {
		known[g] = struct{}{}
	}
	for _, g := range guids {
		if _, ok := known[g]; !ok {
			ghosts = append(ghosts, g)
		}
	}
	if len(ghosts) == 0 {
		return existing, nil, nil
	}

	actions := make([]BulkAction, 0, len(ghosts))
	for _, g := range ghosts {
		actions = append(actions, BulkAction{Kind: ActionDelete, GUID: g})
	}
	if derr := s.remote.Bulk(ctx, typ.Index, actions); derr != nil {
		s.logger.WithError(derr).WithFields(logrus.Fields{
			"index":  typ.Index,
			"ghosts": len(ghosts),
		}).Warn("could not prune ghost documents on read")
	} else {
		s.logger.WithFields(logrus.Fields{
			"index":  typ.Index,
			"ghosts": len(ghosts),
		}).Info("pruned ghost documents on read")
	}
	return existing, ghosts, nil
}

func (s *Searcher) relationalFallback(ctx context.Context, typ *indexable.Type,
	params SearchParams,
) (*SearchResult, error) {
	sort := strings.TrimPrefix(params.Sort, PreSortedPrefix)
	res, err := s.store.Query(ctx, typ, Query{
		GUIDs:      params.GUIDs,
		OrderBy:    sort,
		Descending: params.Descending,
		Offset:     params.Offset,
		Limit:      params.Limit,
		GUIDsOnly:  params.Shape == ShapeGUIDs,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "relational fallback for %s", typ.Name)
	}
	return &SearchResult{Total: res.Total, GUIDs: res.GUIDs, Entities: res.Entities}, nil
}

// shape loads the requested representation for an already-ordered,
// already-paged guid set.
func (s *Searcher) shape(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID, total int, params SearchParams,
) (*SearchResult, error) {
	if params.Shape == ShapeGUIDs {
		return &SearchResult{Total: total, GUIDs: guids}, nil
	}

	entities, err := s.store.Load(ctx, typ, guids)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s search results", typ.Name)
	}

	// preserve hit order
	byGUID := make(map[uuid.UUID]indexable.Entity, len(entities))
	for _, ent := range entities {
		byGUID[ent.GUID()] = ent
	}
	ordered := make([]indexable.Entity, 0, len(guids))
	for _, g := range guids {
		if ent, ok := byGUID[g]; ok {
			ordered = append(ordered, ent)
		}
	}
	return &SearchResult{Total: total, GUIDs: guids, Entities: ordered}, nil
}
