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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/adapters/queue"
	"github.com/weaviate/esync/adapters/repos/esindex"
	"github.com/weaviate/esync/adapters/repos/pgstore"
	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
	"github.com/weaviate/esync/usecases/indexsync"
	"github.com/weaviate/esync/usecases/monitoring"
)

const queueWorkers = 4

// reconcilerOps is the slice of the reconciliation engine the commands drive.
type reconcilerOps interface {
	IndexAll(ctx context.Context, typ *indexable.Type, opts indexsync.IndexAllOptions) (int, error)
	PruneAll(ctx context.Context, typ *indexable.Type) (int, error)
	InvalidateAll(ctx context.Context, typ *indexable.Type) (int64, error)
	DeleteIndex(ctx context.Context, typ *indexable.Type) error
	Status(ctx context.Context, opts indexsync.StatusOptions) (map[string]interface{}, error)
}

type scopeVerifier interface {
	Verify(ctx context.Context, timeout time.Duration) error
}

type mappingPatcher interface {
	Patch(ctx context.Context, typ *indexable.Type) (*indexsync.PatchResult, error)
}

// app holds the wired subsystem for one CLI invocation. The binary operates
// on generic document rows; applications embedding the library register
// their own typed entities instead.
type app struct {
	cfg      config.Config
	logger   *logrus.Logger
	db       *sql.DB
	registry *indexable.Registry
	store    *pgstore.Store
	remote   *esindex.Repo
	queue    *queue.Queue
	tracker  *indexsync.CompletionTracker

	executor   *indexsync.BatchExecutor
	coord      scopeVerifier
	reconciler reconcilerOps
	guard      mappingPatcher
}

// rowEntity is the generic entity the CLI syncs: sync bookkeeping columns
// plus a pre-rendered jsonb document body.
type rowEntity struct {
	indexable.Record
	Doc []byte
}

func (r *rowEntity) SerializeDocument() (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if len(r.Doc) > 0 {
		if err := json.Unmarshal(r.Doc, &body); err != nil {
			return nil, errors.Wrap(err, "decode stored document")
		}
	}
	body["guid"] = r.ID.String()
	return body, nil
}

// bootstrap wires the full subsystem from the environment. Type declarations
// come from ESYNC_TYPES, a comma-separated list of name=index=table triples.
func bootstrap(ctx context.Context, logger *logrus.Logger) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	registry := indexable.NewRegistry()
	specs := map[string]pgstore.TableSpec{}
	if err := registerTypes(registry, specs, os.Getenv("ESYNC_TYPES")); err != nil {
		return nil, err
	}

	db, err := pgstore.OpenFromEnv(ctx)
	if err != nil {
		return nil, err
	}

	es, err := esindex.NewClient(ctx, esindex.ConfigFromEnv())
	if err != nil {
		db.Close()
		return nil, err
	}

	metrics := monitoring.GetMetrics()
	store := pgstore.New(db, specs, logger)
	remote := esindex.NewRepo(es, logger)
	executor := indexsync.NewBatchExecutor(store, remote, cfg, logger, metrics)
	runner := indexsync.NewTaskRunner(registry, store, executor, logger)
	q := queue.New(runner.Run, queueWorkers, logger)
	tracker := indexsync.NewCompletionTracker(q, cfg.TaskRetries, logger, metrics)
	coord := indexsync.NewCoordinator(registry, store, executor, q, tracker,
		cfg, logger, metrics)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		store:    store,
		remote:   remote,
		queue:    q,
		tracker:  tracker,
		executor: executor,
		coord:    coord,
		reconciler: indexsync.NewReconciler(registry, store, remote, executor,
			tracker, cfg, logger, metrics),
		guard: indexsync.NewMappingGuard(registry, remote, q, tracker, cfg, logger),
	}, nil
}

// close drains background tasks before releasing connections so enqueued
// re-index work is not lost on exit.
func (a *app) close(ctx context.Context) {
	if err := a.tracker.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("background tasks did not drain")
	}
	if err := a.queue.Close(ctx); err != nil {
		a.logger.WithError(err).Warn("queue did not drain")
	}
	a.db.Close()
}

// types resolves the positional type argument, defaulting to every
// registered type.
func (a *app) types(name string) ([]*indexable.Type, error) {
	if name == "" {
		return a.registry.All(), nil
	}
	typ, err := a.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return []*indexable.Type{typ}, nil
}

func registerTypes(registry *indexable.Registry,
	specs map[string]pgstore.TableSpec, decl string,
) error {
	decl = strings.TrimSpace(decl)
	if decl == "" {
		return errors.New("ESYNC_TYPES not set, expected name=index=table[,...]")
	}

	for _, triple := range strings.Split(decl, ",") {
		parts := strings.Split(strings.TrimSpace(triple), "=")
		if len(parts) != 3 {
			return errors.Errorf("malformed type declaration %q", triple)
		}
		name, index, table := parts[0], parts[1], parts[2]

		err := registry.Register(&indexable.Type{
			Name:  name,
			Index: index,
			New:   func() indexable.Entity { return &rowEntity{} },
		})
		if err != nil {
			return err
		}

		specs[name] = pgstore.TableSpec{
			Table:   table,
			Columns: []string{"guid", "updated", "indexed", "doc"},
			Scan: func(rows *sql.Rows) (indexable.Entity, error) {
				e := &rowEntity{}
				if err := rows.Scan(&e.ID, &e.UpdatedAt, &e.IndexedAt, &e.Doc); err != nil {
					return nil, err
				}
				return e, nil
			},
		}
	}
	return nil
}
