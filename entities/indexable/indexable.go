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

package indexable

import (
	"time"

	"github.com/google/uuid"
)

// Entity is the minimal contract a primary-storage record must satisfy to be
// eligible for indexing. The persistence layer owns the Updated timestamp, the
// sync subsystem owns the Indexed timestamp.
type Entity interface {
	GUID() uuid.UUID
	Updated() time.Time
	Indexed() time.Time
	SetUpdated(time.Time)
	SetIndexed(time.Time)
}

// DocumentSerializer is an optional capability of an Entity. Types that
// declare it control their own document body; everything else goes through
// the generic reflection-based path.
type DocumentSerializer interface {
	SerializeDocument() (map[string]interface{}, error)
}

// IndexHook is an optional capability of an Entity, invoked after the entity
// has been confirmed written to the remote index.
type IndexHook interface {
	OnIndexed()
}

// Record is an embeddable default implementation of Entity.
type Record struct {
	ID        uuid.UUID `json:"guid"`
	UpdatedAt time.Time `json:"updated"`
	IndexedAt time.Time `json:"indexed"`
}

func (r *Record) GUID() uuid.UUID        { return r.ID }
func (r *Record) Updated() time.Time     { return r.UpdatedAt }
func (r *Record) Indexed() time.Time     { return r.IndexedAt }
func (r *Record) SetUpdated(t time.Time) { r.UpdatedAt = t }
func (r *Record) SetIndexed(t time.Time) { r.IndexedAt = t }

// Current reports whether the entity's remote document is up to date,
// i.e. indexed >= updated.
func Current(e Entity) bool {
	return !e.Indexed().Before(e.Updated())
}

// Validate records a successful index write. This and Invalidate are the only
// legal timestamp transitions outside entity CRUD.
func Validate(e Entity, now time.Time) {
	e.SetIndexed(now)
}

// Invalidate bumps the updated timestamp, making the entity look stale again
// so the next pass re-checks it. Note it does not clear the indexed timestamp.
func Invalidate(e Entity, now time.Time) {
	e.SetUpdated(now)
}
