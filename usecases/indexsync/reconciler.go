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

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
	"github.com/weaviate/esync/usecases/monitoring"
)

// ClusterHealthGreen is the only cluster state Status does not flag.
const ClusterHealthGreen = "green"

// Reconciler computes drift between primary storage and the remote index and
// drives pruning and re-indexing to resolve it.
type Reconciler struct {
	registry   *indexable.Registry
	store      Store
	remote     RemoteIndex
	executor   *BatchExecutor
	tracker    *CompletionTracker
	cfg        config.Config
	logger     logrus.FieldLogger
	metrics    *monitoring.PrometheusMetrics
	timeSource timeSource
}

func NewReconciler(registry *indexable.Registry, store Store, remote RemoteIndex,
	executor *BatchExecutor, tracker *CompletionTracker, cfg config.Config,
	logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics,
) *Reconciler {
	return &Reconciler{
		registry:   registry,
		store:      store,
		remote:     remote,
		executor:   executor,
		tracker:    tracker,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		timeSource: defaultTimeSource{},
	}
}

// IndexAllOptions control one reconciliation pass. Prune first deletes remote
// documents with no local row; Update additionally re-indexes stale entities;
// Force targets every local entity regardless of timestamps.
type IndexAllOptions struct {
	Prune  bool
	Update bool
	Force  bool
}

// IndexAll re-indexes the type's missing (and optionally outdated, or all)
// entities. It returns the number of documents confirmed written; remote
// failures degrade the count rather than erroring.
func (r *Reconciler) IndexAll(ctx context.Context, typ *indexable.Type,
	opts IndexAllOptions,
) (int, error) {
	if err := r.EnsureIndex(ctx, typ); err != nil {
		return 0, err
	}

	local, err := r.store.AllGUIDs(ctx, typ)
	if err != nil {
		return 0, errors.Wrapf(err, "list local guids of %s", typ.Name)
	}

	remote, err := r.remote.ScanGUIDs(ctx, typ.Index)
	if err != nil {
		return 0, errors.Wrapf(err, "scan index %s", typ.Index)
	}
	indexed := make(map[uuid.UUID]struct{}, len(remote))
	for _, g := range remote {
		indexed[g] = struct{}{}
	}

	if opts.Prune {
		localSet := make(map[uuid.UUID]struct{}, len(local))
		for _, g := range local {
			localSet[g] = struct{}{}
		}
		var orphans []uuid.UUID
		for _, g := range remote {
			if _, ok := localSet[g]; !ok {
				orphans = append(orphans, g)
			}
		}
		if len(orphans) > 0 {
			removed := r.executor.DeleteMany(ctx, typ, orphans)
			r.logger.WithFields(logrus.Fields{
				"index":   typ.Index,
				"orphans": len(orphans),
				"removed": removed,
			}).Info("pruned orphaned documents")
		}
	}

	var targets []uuid.UUID
	if opts.Force {
		targets = local
	} else {
		seen := map[uuid.UUID]struct{}{}
		for _, g := range local {
			if _, ok := indexed[g]; !ok {
				targets = append(targets, g)
				seen[g] = struct{}{}
			}
		}
		if opts.Update {
			outdated, err := r.store.OutdatedGUIDs(ctx, typ)
			if err != nil {
				return 0, errors.Wrapf(err, "list outdated guids of %s", typ.Name)
			}
			for _, g := range outdated {
				if _, ok := seen[g]; !ok {
					targets = append(targets, g)
				}
			}
		}
	}

	if len(targets) == 0 {
		return 0, nil
	}

	succeeded := 0
	for start := 0; start < len(targets); start += r.cfg.IndexChunkSize {
		end := start + r.cfg.IndexChunkSize
		if end > len(targets) {
			end = len(targets)
		}
		entities, err := r.store.Load(ctx, typ, targets[start:end])
		if err != nil {
			return succeeded, errors.Wrapf(err, "load entities of %s", typ.Name)
		}
		succeeded += r.executor.IndexMany(ctx, typ, entities, opts.Force)
	}

	r.logger.WithFields(logrus.Fields{
		"index":     typ.Index,
		"targets":   len(targets),
		"succeeded": succeeded,
	}).Info("reconciliation pass complete")
	return succeeded, nil
}

// PruneAll deletes the remote document of every currently local guid, as the
// first half of a full rebuild cycle; a following IndexAll repopulates.
func (r *Reconciler) PruneAll(ctx context.Context, typ *indexable.Type) (int, error) {
	local, err := r.store.AllGUIDs(ctx, typ)
	if err != nil {
		return 0, errors.Wrapf(err, "list local guids of %s", typ.Name)
	}
	if len(local) == 0 {
		return 0, nil
	}
	return r.executor.DeleteMany(ctx, typ, local), nil
}

// InvalidateAll stamps every local entity as freshly updated in one bulk
// statement, making the whole type look stale. Break-glass operation to force
// a full re-sync.
func (r *Reconciler) InvalidateAll(ctx context.Context, typ *indexable.Type) (int64, error) {
	n, err := r.store.InvalidateAll(ctx, typ, r.timeSource.Now())
	if err != nil {
		return 0, errors.Wrapf(err, "invalidate %s", typ.Name)
	}
	r.logger.WithFields(logrus.Fields{"type": typ.Name, "rows": n}).
		Info("invalidated all entities")
	return n, nil
}

// DeleteIndex drops the remote index entirely.
func (r *Reconciler) DeleteIndex(ctx context.Context, typ *indexable.Type) error {
	exists, err := r.remote.IndexExists(ctx, typ.Index)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return r.remote.DeleteIndex(ctx, typ.Index)
}

// EnsureIndex creates the remote index with the type's declared settings and
// patched mapping if it does not exist yet.
func (r *Reconciler) EnsureIndex(ctx context.Context, typ *indexable.Type) error {
	exists, err := r.remote.IndexExists(ctx, typ.Index)
	if err != nil {
		return errors.Wrapf(err, "check index %s", typ.Index)
	}
	if exists {
		return nil
	}

	var mappings map[string]interface{}
	if typ.PatchMapping != nil {
		mappings = typ.PatchMapping(map[string]interface{}{})
	}
	if err := r.remote.CreateIndex(ctx, typ.Index, mappings, typ.Settings); err != nil {
		return errors.Wrapf(err, "create index %s", typ.Index)
	}
	r.logger.WithField("index", typ.Index).Info("created remote index")
	return nil
}

// StatusOptions select which checks a status pass runs.
type StatusOptions struct {
	Outdated bool
	Missing  bool
	Active   bool
	Health   bool
}

// Status reports drift per registered type plus in-flight task count and
// cluster health. An empty map is the definition of fully synced; a non-empty
// one after a full sync is the signal for manual intervention.
func (r *Reconciler) Status(ctx context.Context, opts StatusOptions) (map[string]interface{}, error) {
	out := map[string]interface{}{}

	for _, typ := range r.registry.All() {
		outdated, missing, extra := 0, 0, 0

		if opts.Outdated {
			n, err := r.store.CountOutdated(ctx, typ)
			if err != nil {
				return nil, errors.Wrapf(err, "count outdated of %s", typ.Name)
			}
			outdated = n
		}

		if opts.Missing {
			local, err := r.store.AllGUIDs(ctx, typ)
			if err != nil {
				return nil, errors.Wrapf(err, "list local guids of %s", typ.Name)
			}
			remote, err := r.remote.ScanGUIDs(ctx, typ.Index)
			if err != nil {
				return nil, errors.Wrapf(err, "scan index %s", typ.Index)
			}
			remoteSet := make(map[uuid.UUID]struct{}, len(remote))
			for _, g := range remote {
				remoteSet[g] = struct{}{}
			}
			localSet := make(map[uuid.UUID]struct{}, len(local))
			for _, g := range local {
				localSet[g] = struct{}{}
				if _, ok := remoteSet[g]; !ok {
					missing++
				}
			}
			for _, g := range remote {
				if _, ok := localSet[g]; !ok {
					extra++
				}
			}
		}

		r.metrics.SetDrift(typ.Index, outdated, missing, extra)

		if outdated > 0 {
			out[fmt.Sprintf("%s:outdated", typ.Index)] = outdated
		}
		if missing > 0 {
			out[fmt.Sprintf("%s:missing", typ.Index)] = missing
		}
		if extra > 0 {
			out[fmt.Sprintf("%s:extra", typ.Index)] = extra
		}
	}

	if opts.Active && r.tracker != nil {
		if n := r.tracker.Active(); n > 0 {
			out["tasks:active"] = n
		}
	}

	if opts.Health {
		health, err := r.remote.ClusterHealth(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "cluster health")
		}
		if health != ClusterHealthGreen {
			out["cluster:health"] = health
		}
	}

	return out, nil
}
