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
	"time"

	"github.com/google/uuid"

	"github.com/weaviate/esync/entities/indexable"
)

// Store is the boundary to the primary relational persistence layer. The sync
// subsystem never talks SQL itself; it consumes these primitives and relies on
// the persistence layer to bump the updated timestamp on every mutation.
type Store interface {
	// Load fetches full entities by guid. Guids with no matching row are
	// silently absent from the result.
	Load(ctx context.Context, typ *indexable.Type, guids []uuid.UUID) ([]indexable.Entity, error)

	// AllGUIDs lists every guid of the type.
	AllGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error)

	// OutdatedGUIDs lists guids where updated > indexed.
	OutdatedGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error)

	// CountOutdated is the cheap form of OutdatedGUIDs used by status polls.
	CountOutdated(ctx context.Context, typ *indexable.Type) (int, error)

	// FilterExisting returns the subset of guids that have a local row,
	// preserving input order.
	FilterExisting(ctx context.Context, typ *indexable.Type, guids []uuid.UUID) ([]uuid.UUID, error)

	// MarkIndexed sets indexed=ts for the whole guid set in one statement.
	MarkIndexed(ctx context.Context, typ *indexable.Type, guids []uuid.UUID, ts time.Time) error

	// MarkUpdated sets updated=ts for the whole guid set in one statement.
	MarkUpdated(ctx context.Context, typ *indexable.Type, guids []uuid.UUID, ts time.Time) error

	// InvalidateAll sets updated=ts on every row of the type, returning the
	// number of rows touched.
	InvalidateAll(ctx context.Context, typ *indexable.Type, ts time.Time) (int64, error)

	// Query runs a relational read with ordering and pagination, used by the
	// search translator's local regime and fallback.
	Query(ctx context.Context, typ *indexable.Type, q Query) (*QueryResult, error)
}

// Query describes a relational read: an optional guid allow-list, ordering by
// a dotted column path, and pagination. GUIDsOnly asks for a columns-only
// projection instead of full rows.
type Query struct {
	GUIDs      []uuid.UUID
	OrderBy    string
	Descending bool
	Offset     int
	Limit      int
	GUIDsOnly  bool
}

type QueryResult struct {
	Total    int
	GUIDs    []uuid.UUID
	Entities []indexable.Entity
}

// ActionKind distinguishes the two bulk write intents.
type ActionKind string

const (
	ActionIndex  ActionKind = "index"
	ActionDelete ActionKind = "delete"
)

// BulkAction is one item of a bulk call: an upsert with a body, or a delete.
type BulkAction struct {
	Kind ActionKind
	GUID uuid.UUID
	Body map[string]interface{}
}

// BulkItemError pins a bulk failure to a single document.
type BulkItemError struct {
	GUID   uuid.UUID
	Status int
	Reason string
}

// BulkError reports a bulk call in which one or more items failed. It is a
// typed value the executor recurses on, not exception control flow.
type BulkError struct {
	Items []BulkItemError
	Cause error
}

func (e *BulkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bulk call failed: %v", e.Cause)
	}
	return fmt.Sprintf("bulk call failed for %d items", len(e.Items))
}

func (e *BulkError) Unwrap() error { return e.Cause }

// RemoteIndex is the boundary to the remote document store. All calls are
// blocking network I/O and must be treated as fallible.
type RemoteIndex interface {
	Exists(ctx context.Context, index string, guid uuid.UUID) (bool, error)
	Get(ctx context.Context, index string, guid uuid.UUID) (map[string]interface{}, error)
	Index(ctx context.Context, index string, guid uuid.UUID, body map[string]interface{}) error
	Delete(ctx context.Context, index string, guid uuid.UUID) error

	// Bulk submits mixed actions in one call. A nil error means every item
	// succeeded; partial failure surfaces as *BulkError.
	Bulk(ctx context.Context, index string, actions []BulkAction) error

	// ExistsMany probes which of the guids have a remote document, in chunks.
	ExistsMany(ctx context.Context, index string, guids []uuid.UUID) (map[uuid.UUID]bool, error)

	CreateIndex(ctx context.Context, index string, mappings, settings map[string]interface{}) error
	DeleteIndex(ctx context.Context, index string) error
	IndexExists(ctx context.Context, index string) (bool, error)
	Refresh(ctx context.Context, index string) error
	GetMapping(ctx context.Context, index string) (map[string]interface{}, error)
	DocCount(ctx context.Context, index string) (int64, error)
	ClusterHealth(ctx context.Context) (string, error)

	OpenPointInTime(ctx context.Context, index string) (string, error)
	ClosePointInTime(ctx context.Context, id string) error

	// ScanGUIDs streams every document id in the index through a cursor.
	ScanGUIDs(ctx context.Context, index string) ([]uuid.UUID, error)

	// Search runs a query with optional native sort. from/size paginate;
	// sort may be nil for primary-key order.
	Search(ctx context.Context, index string, query map[string]interface{},
		sort []map[string]interface{}, from, size int) (*SearchHits, error)
}

// SearchHits is the raw result of a remote search before cross-referencing.
type SearchHits struct {
	Total int
	GUIDs []uuid.UUID
}

// Task identifies one enqueued background job together with its retry count.
type Task struct {
	ID      uuid.UUID
	Name    string
	Args    []string
	Retries int
}

// TaskPromise is the completion handle of an enqueued task.
type TaskPromise interface {
	Ready() bool
	Err() error
}

// TaskQueue is the boundary to the background task queue: fire-and-forget
// execution with retry metadata and revocation.
type TaskQueue interface {
	Enqueue(name string, args ...string) (*Task, TaskPromise, error)
	Revoke(id uuid.UUID, terminate bool)
}
