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
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weaviate/esync/entities/document"
	"github.com/weaviate/esync/entities/errorcompounder"
	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
	"github.com/weaviate/esync/usecases/monitoring"
)

type timeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// BatchExecutor performs bulk index and delete writes against the remote
// store, recovering from partial failure by binary-split retry: a failed
// batch is halved and each half retried independently until failing items are
// isolated. It converts every remote error into a success-count signal and
// never lets one escape its outer calls.
type BatchExecutor struct {
	store      Store
	remote     RemoteIndex
	config     config.Config
	logger     logrus.FieldLogger
	metrics    *monitoring.PrometheusMetrics
	timeSource timeSource
}

func NewBatchExecutor(store Store, remote RemoteIndex, cfg config.Config,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *BatchExecutor {
	return &BatchExecutor{
		store:      store,
		remote:     remote,
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		timeSource: defaultTimeSource{},
	}
}

// IndexMany writes the entities' documents to the remote index and marks them
// indexed. Entities that are already current are skipped unless forced. The
// returned count includes skipped items; a count below len(entities) means
// silent partial failure the caller may log or alert on.
func (e *BatchExecutor) IndexMany(ctx context.Context, typ *indexable.Type,
	entities []indexable.Entity, forced bool,
) int {
	start := time.Now()
	defer func() {
		e.metrics.ObserveFlush(typ.Index, string(ActionIndex), time.Since(start).Seconds())
	}()

	var pending []indexable.Entity
	skipped := 0
	for _, ent := range entities {
		if !forced && indexable.Current(ent) {
			skipped++
			continue
		}
		pending = append(pending, ent)
	}
	e.metrics.AddSkipped(typ.Index, skipped)

	if len(pending) == 0 {
		return len(entities)
	}

	succeeded := e.indexBatch(ctx, typ, pending, 0)
	e.metrics.AddIndexed(typ.Index, succeeded)

	if succeeded < len(pending) {
		failed := len(pending) - succeeded
		e.metrics.AddFailed(typ.Index, failed)
		e.logger.WithFields(logrus.Fields{
			"index":     typ.Index,
			"action":    ActionIndex,
			"requested": len(pending),
			"succeeded": succeeded,
		}).Errorf("bulk index left %d documents unwritten", failed)
	}

	return succeeded + skipped
}

func (e *BatchExecutor) indexBatch(ctx context.Context, typ *indexable.Type,
	pending []indexable.Entity, level int,
) int {
	err := e.tryIndex(ctx, typ, pending)
	if err == nil {
		now := e.timeSource.Now()
		if merr := e.store.MarkIndexed(ctx, typ, guidsOf(pending), now); merr != nil {
			e.logger.WithError(merr).WithField("index", typ.Index).
				Error("documents written but indexed timestamps not recorded")
		}
		for _, ent := range pending {
			indexable.Validate(ent, now)
			if hook, ok := ent.(indexable.IndexHook); ok {
				hook.OnIndexed()
			}
		}
		if rerr := e.remote.Refresh(ctx, typ.Index); rerr != nil {
			e.logger.WithError(rerr).WithField("index", typ.Index).
				Warn("refresh after bulk index failed")
		}
		return len(pending)
	}

	if len(pending) == 1 {
		return e.resolveIndexed(ctx, typ, pending[0], err)
	}

	if e.config.MaxBisectDepth > 0 && level >= e.config.MaxBisectDepth {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"index": typ.Index,
			"size":  len(pending),
			"level": level,
		}).Error("bisect depth cap reached, dropping sub-batch")
		return 0
	}

	e.metrics.IncBisections(typ.Index)
	e.logger.WithError(err).WithFields(logrus.Fields{
		"index": typ.Index,
		"size":  len(pending),
		"level": level,
	}).Warn("bulk index failed, splitting batch")

	half := len(pending) / 2
	if half < 1 {
		half = 1
	}
	return e.indexBatch(ctx, typ, pending[:half], level+1) +
		e.indexBatch(ctx, typ, pending[half:], level+1)
}

// tryIndex serializes the batch and submits it in bounded chunks. A nil
// return means every document of the batch was accepted.
func (e *BatchExecutor) tryIndex(ctx context.Context, typ *indexable.Type,
	pending []indexable.Entity,
) error {
	docs, err := e.serializeAll(ctx, typ, pending)
	if err != nil {
		return err
	}

	for start := 0; start < len(docs); start += e.config.IndexChunkSize {
		end := start + e.config.IndexChunkSize
		if end > len(docs) {
			end = len(docs)
		}
		actions := make([]BulkAction, 0, end-start)
		for _, doc := range docs[start:end] {
			actions = append(actions, BulkAction{Kind: ActionIndex, GUID: doc.GUID, Body: doc.Body})
		}
		if err := e.remote.Bulk(ctx, typ.Index, actions); err != nil {
			return err
		}
	}
	return nil
}

// serializeAll builds documents on a bounded worker pool. If any worker
// fails, the failed items are retried serially before giving up on the batch.
func (e *BatchExecutor) serializeAll(ctx context.Context, typ *indexable.Type,
	pending []indexable.Entity,
) ([]*document.Document, error) {
	now := e.timeSource.Now()
	docs := make([]*document.Document, len(pending))
	failed := make([]int, 0)

	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.SerializerWorkers)
	errs := make([]error, len(pending))
	for i, ent := range pending {
		eg.Go(func() error {
			doc, err := document.Serialize(typ, ent, now, e.logger)
			docs[i] = doc
			errs[i] = err
			return nil
		})
	}
	eg.Wait()

	for i := range errs {
		if errs[i] != nil {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		return docs, nil
	}

	// serial fallback for just the failed items
	ec := errorcompounder.New()
	for _, i := range failed {
		doc, err := document.Serialize(typ, pending[i], now, e.logger)
		if err != nil {
			ec.AddWrapf(err, "serialize %s", pending[i].GUID())
			continue
		}
		docs[i] = doc
	}
	if !ec.Empty() {
		return nil, ec.ToError()
	}
	return docs, nil
}

// resolveIndexed is the bisection base case for index writes: no further
// retry, just a direct check of whether the document made it.
func (e *BatchExecutor) resolveIndexed(ctx context.Context, typ *indexable.Type,
	ent indexable.Entity, cause error,
) int {
	exists, err := e.remote.Exists(ctx, typ.Index, ent.GUID())
	if err != nil || !exists {
		e.logger.WithError(cause).WithFields(logrus.Fields{
			"index": typ.Index,
			"guid":  ent.GUID(),
		}).Warn("document could not be indexed")
		return 0
	}

	now := e.timeSource.Now()
	if merr := e.store.MarkIndexed(ctx, typ, []uuid.UUID{ent.GUID()}, now); merr != nil {
		e.logger.WithError(merr).WithField("guid", ent.GUID()).
			Error("document present but indexed timestamp not recorded")
	}
	indexable.Validate(ent, now)
	return 1
}

// DeleteMany removes the documents for the given guids from the remote index.
// Guids with no remote document are skipped; confirmed deletions bump the
// local updated timestamp so a later pass re-checks the guid. The returned
// count includes skipped items.
func (e *BatchExecutor) DeleteMany(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) int {
	start := time.Now()
	defer func() {
		e.metrics.ObserveFlush(typ.Index, string(ActionDelete), time.Since(start).Seconds())
	}()

	pending := guids
	skipped := 0
	if present, err := e.probeExisting(ctx, typ, guids); err == nil {
		pending = pending[:0:0]
		for _, g := range guids {
			if present[g] {
				pending = append(pending, g)
			} else {
				skipped++
			}
		}
	} else {
		e.logger.WithError(err).WithField("index", typ.Index).
			Warn("existence probe failed, attempting delete for all guids")
	}
	e.metrics.AddSkipped(typ.Index, skipped)

	if len(pending) == 0 {
		return len(guids)
	}

	succeeded := e.deleteBatch(ctx, typ, pending, 0)
	e.metrics.AddDeleted(typ.Index, succeeded)

	if succeeded < len(pending) {
		failed := len(pending) - succeeded
		e.metrics.AddFailed(typ.Index, failed)
		e.logger.WithFields(logrus.Fields{
			"index":     typ.Index,
			"action":    ActionDelete,
			"requested": len(pending),
			"succeeded": succeeded,
		}).Errorf("bulk delete left %d documents behind", failed)
	}

	return succeeded + skipped
}

func (e *BatchExecutor) probeExisting(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) (map[uuid.UUID]bool, error) {
	present := make(map[uuid.UUID]bool, len(guids))
	for start := 0; start < len(guids); start += e.config.DeleteChunkSize {
		end := start + e.config.DeleteChunkSize
		if end > len(guids) {
			end = len(guids)
		}
		chunk, err := e.remote.ExistsMany(ctx, typ.Index, guids[start:end])
		if err != nil {
			return nil, err
		}
		for g, ok := range chunk {
			present[g] = ok
		}
	}
	return present, nil
}

func (e *BatchExecutor) deleteBatch(ctx context.Context, typ *indexable.Type,
	pending []uuid.UUID, level int,
) int {
	err := e.tryDelete(ctx, typ, pending)
	if err == nil {
		now := e.timeSource.Now()
		if merr := e.store.MarkUpdated(ctx, typ, pending, now); merr != nil {
			e.logger.WithError(merr).WithField("index", typ.Index).
				Error("documents deleted but updated timestamps not recorded")
		}
		if rerr := e.remote.Refresh(ctx, typ.Index); rerr != nil {
			e.logger.WithError(rerr).WithField("index", typ.Index).
				Warn("refresh after bulk delete failed")
		}
		return len(pending)
	}

	if len(pending) == 1 {
		return e.resolveDeleted(ctx, typ, pending[0], err)
	}

	if e.config.MaxBisectDepth > 0 && level >= e.config.MaxBisectDepth {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"index": typ.Index,
			"size":  len(pending),
			"level": level,
		}).Error("bisect depth cap reached, dropping sub-batch")
		return 0
	}

	e.metrics.IncBisections(typ.Index)
	e.logger.WithError(err).WithFields(logrus.Fields{
		"index": typ.Index,
		"size":  len(pending),
		"level": level,
	}).Warn("bulk delete failed, splitting batch")

	half := len(pending) / 2
	if half < 1 {
		half = 1
	}
	return e.deleteBatch(ctx, typ, pending[:half], level+1) +
		e.deleteBatch(ctx, typ, pending[half:], level+1)
}

func (e *BatchExecutor) tryDelete(ctx context.Context, typ *indexable.Type,
	pending []uuid.UUID,
) error {
	for start := 0; start < len(pending); start += e.config.DeleteChunkSize {
		end := start + e.config.DeleteChunkSize
		if end > len(pending) {
			end = len(pending)
		}
		actions := make([]BulkAction, 0, end-start)
		for _, g := range pending[start:end] {
			actions = append(actions, BulkAction{Kind: ActionDelete, GUID: g})
		}
		if err := e.remote.Bulk(ctx, typ.Index, actions); err != nil {
			return err
		}
	}
	return nil
}

// resolveDeleted is the bisection base case for deletes: success means the
// document is verifiably gone.
func (e *BatchExecutor) resolveDeleted(ctx context.Context, typ *indexable.Type,
	guid uuid.UUID, cause error,
) int {
	exists, err := e.remote.Exists(ctx, typ.Index, guid)
	if err != nil || exists {
		e.logger.WithError(cause).WithFields(logrus.Fields{
			"index": typ.Index,
			"guid":  guid,
		}).Warn("document could not be deleted")
		return 0
	}

	if merr := e.store.MarkUpdated(ctx, typ, []uuid.UUID{guid}, e.timeSource.Now()); merr != nil {
		e.logger.WithError(merr).WithField("guid", guid).
			Error("document deleted but updated timestamp not recorded")
	}
	return 1
}

func guidsOf(entities []indexable.Entity) []uuid.UUID {
	out := make([]uuid.UUID, len(entities))
	for i, ent := range entities {
		out[i] = ent.GUID()
	}
	return out
}
