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
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/config"
)

// PatchResult reports the outcome of one mapping-guard pass.
type PatchResult struct {
	UpToDate  bool
	Diff      []string
	Captured  int
	Reindexed int
}

// MappingGuard detects drift between an index's live field mapping and the
// mapping its type declares, and rebuilds the index when they differ. The
// full guid set is captured before the index is deleted, so a rebuild never
// drops documents.
type MappingGuard struct {
	registry *indexable.Registry
	remote   RemoteIndex
	queue    TaskQueue
	tracker  *CompletionTracker
	cfg      config.Config
	logger   logrus.FieldLogger
}

func NewMappingGuard(registry *indexable.Registry, remote RemoteIndex,
	queue TaskQueue, tracker *CompletionTracker, cfg config.Config,
	logger logrus.FieldLogger,
) *MappingGuard {
	return &MappingGuard{
		registry: registry,
		remote:   remote,
		queue:    queue,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Patch compares the live mapping against the type's declared patch and
// rebuilds the index on drift. Running it twice without further drift is a
// no-op reporting up-to-date.
func (g *MappingGuard) Patch(ctx context.Context, typ *indexable.Type) (*PatchResult, error) {
	if typ.PatchMapping == nil {
		return &PatchResult{UpToDate: true}, nil
	}

	exists, err := g.remote.IndexExists(ctx, typ.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "check index %s", typ.Index)
	}
	if !exists {
		mappings := typ.PatchMapping(map[string]interface{}{})
		if err := g.remote.CreateIndex(ctx, typ.Index, mappings, typ.Settings); err != nil {
			return nil, errors.Wrapf(err, "create index %s", typ.Index)
		}
		g.logger.WithField("index", typ.Index).Info("created index with declared mapping")
		return &PatchResult{UpToDate: true}, nil
	}

	live, err := g.remote.GetMapping(ctx, typ.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "get mapping of %s", typ.Index)
	}

	copied, err := deepCopyMapping(live)
	if err != nil {
		return nil, errors.Wrapf(err, "copy mapping of %s", typ.Index)
	}
	patched := typ.PatchMapping(copied)

	diff := mappingDiff("", live, patched)
	if len(diff) == 0 {
		return &PatchResult{UpToDate: true}, nil
	}

	g.logger.WithFields(logrus.Fields{
		"index": typ.Index,
		"diff":  diff,
	}).Warn("mapping drift detected, rebuilding index")

	// capture the full guid set before touching the index
	pit, err := g.remote.OpenPointInTime(ctx, typ.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "open point-in-time on %s", typ.Index)
	}
	g.registry.SetPIT(typ.Name, pit)
	captured, scanErr := g.remote.ScanGUIDs(ctx, typ.Index)
	if cerr := g.remote.ClosePointInTime(ctx, pit); cerr != nil {
		g.logger.WithError(cerr).WithField("index", typ.Index).
			Warn("could not close point-in-time cursor")
	}
	g.registry.SetPIT(typ.Name, "")
	if scanErr != nil {
		return nil, errors.Wrapf(scanErr, "capture guids of %s", typ.Index)
	}

	if err := g.remote.DeleteIndex(ctx, typ.Index); err != nil {
		return nil, errors.Wrapf(err, "delete index %s", typ.Index)
	}
	if err := g.remote.CreateIndex(ctx, typ.Index, patched, typ.Settings); err != nil {
		return nil, errors.Wrapf(err, "recreate index %s", typ.Index)
	}

	// repopulate exactly the captured guids through forced background flushes
	reindexed := 0
	for start := 0; start < len(captured); start += g.cfg.IndexChunkSize {
		end := start + g.cfg.IndexChunkSize
		if end > len(captured) {
			end = len(captured)
		}
		args := append([]string{typ.Name, "1"}, guidStrings(captured[start:end])...)
		task, promise, err := g.queue.Enqueue(TaskIndexMany, args...)
		if err != nil {
			return nil, errors.Wrapf(err, "enqueue re-index of %s", typ.Index)
		}
		g.tracker.Track(task, promise)
		reindexed += end - start
	}

	if err := g.remote.Refresh(ctx, typ.Index); err != nil {
		g.logger.WithError(err).WithField("index", typ.Index).
			Warn("refresh after rebuild failed")
	}

	return &PatchResult{
		Diff:      diff,
		Captured:  len(captured),
		Reindexed: reindexed,
	}, nil
}

func deepCopyMapping(m map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mappingDiff lists the dotted paths at which two mappings differ, sorted for
// stable logging.
func mappingDiff(prefix string, live, patched map[string]interface{}) []string {
	var diff []string

	for key, pv := range patched {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		lv, ok := live[key]
		if !ok {
			diff = append(diff, path)
			continue
		}
		lm, lIsMap := lv.(map[string]interface{})
		pm, pIsMap := pv.(map[string]interface{})
		if lIsMap && pIsMap {
			diff = append(diff, mappingDiff(path, lm, pm)...)
			continue
		}
		if !reflect.DeepEqual(lv, pv) {
			diff = append(diff, path)
		}
	}

	for key := range live {
		if _, ok := patched[key]; !ok {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			diff = append(diff, fmt.Sprintf("%s (removed)", path))
		}
	}

	sort.Strings(diff)
	return diff
}
