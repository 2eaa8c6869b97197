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

package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/indexsync"
)

// TxStore wraps the store with the index-hook dispatch: every transaction it
// opens maps 1:1 onto a coordinator scope, and entity writes inside the
// transaction are announced to the hooks before they touch the database.
type TxStore struct {
	*Store
	hooks *indexsync.Hooks
}

func NewTxStore(store *Store, hooks *indexsync.Hooks) *TxStore {
	return &TxStore{Store: store, hooks: hooks}
}

// Begin opens a relational transaction and the matching batching scope.
func (s *TxStore) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	s.hooks.OnTransactionBegin()
	return &Tx{tx: tx, hooks: s.hooks}, nil
}

// Tx is one open transaction. Exactly one of Commit or Rollback must be
// called so the scope nesting stays balanced.
type Tx struct {
	tx    *sql.Tx
	hooks *indexsync.Hooks
	done  bool
}

// Exec runs arbitrary SQL inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs arbitrary reads inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// TrackWrite announces an entity insert or update. The persistence layer's
// contract of bumping updated on every mutation is honored here.
func (t *Tx) TrackWrite(typeName string, entity indexable.Entity) indexsync.Outcome {
	entity.SetUpdated(time.Now())
	return t.hooks.OnBeforeUpdate(typeName, entity)
}

// TrackDelete announces an entity delete.
func (t *Tx) TrackDelete(typeName string, guid uuid.UUID) indexsync.Outcome {
	return t.hooks.OnBeforeDelete(typeName, guid)
}

// Commit commits the transaction and exits the batching scope, flushing if
// this was the outermost transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true

	if err := t.tx.Commit(); err != nil {
		t.hooks.OnTransactionAbort(ctx, "commit failed: "+err.Error())
		return errors.Wrap(err, "commit transaction")
	}
	t.hooks.OnTransactionEnd(ctx)
	return nil
}

// Rollback discards the transaction and force-drains the scope.
func (t *Tx) Rollback(ctx context.Context, reason string) error {
	if t.done {
		return nil
	}
	t.done = true

	err := t.tx.Rollback()
	t.hooks.OnTransactionAbort(ctx, reason)
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "rollback transaction")
	}
	return nil
}
