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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
	"github.com/weaviate/esync/usecases/indexsync"
)

// TableSpec tells the store how one registered type maps onto a relation:
// which table, which columns to select, how to scan a row back into an
// entity, and which sort keys translate to which ORDER BY expressions.
// Every table carries the guid, updated and indexed columns; the store
// addresses these three by name.
type TableSpec struct {
	Table   string
	Columns []string
	Scan    func(rows *sql.Rows) (indexable.Entity, error)

	// SortColumns maps dotted sort paths to SQL expressions; unknown paths
	// fall back to primary-key order.
	SortColumns map[string]string
}

// Store implements the sync subsystem's Store boundary over database/sql
// with the postgres driver. Timestamp bulk updates are single statements
// keyed by guid set, so a partially-successful remote batch can never mark
// unwritten items as indexed.
type Store struct {
	db     *sql.DB
	specs  map[string]TableSpec
	logger logrus.FieldLogger
}

func New(db *sql.DB, specs map[string]TableSpec, logger logrus.FieldLogger) *Store {
	return &Store{db: db, specs: specs, logger: logger}
}

// OpenFromEnv connects using PG_* environment variables and verifies the
// connection with a ping:
//
//	PG_HOST (localhost), PG_PORT (5432), PG_USER (postgres),
//	PG_PASSWORD, PG_DATABASE, PG_SSLMODE (disable)
func OpenFromEnv(ctx context.Context) (*sql.DB, error) {
	get := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		get("PG_HOST", "localhost"), get("PG_PORT", "5432"),
		get("PG_USER", "postgres"), get("PG_PASSWORD", ""),
		get("PG_DATABASE", "esync"), get("PG_SSLMODE", "disable"))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

func (s *Store) spec(typ *indexable.Type) (TableSpec, error) {
	spec, ok := s.specs[typ.Name]
	if !ok {
		return TableSpec{}, errors.Wrapf(indexable.ErrNotRegistered,
			"no table spec for %s", typ.Name)
	}
	return spec, nil
}

func (s *Store) Load(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) ([]indexable.Entity, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return nil, err
	}
	if len(guids) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf("SELECT %s FROM %s WHERE guid = ANY($1)",
		strings.Join(spec.Columns, ", "), pq.QuoteIdentifier(spec.Table))
	rows, err := s.db.QueryContext(ctx, q, pq.Array(guidStrings(guids)))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", typ.Name)
	}
	defer rows.Close()

	var out []indexable.Entity
	for rows.Next() {
		ent, err := spec.Scan(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s row", typ.Name)
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

func (s *Store) AllGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT guid FROM %s", pq.QuoteIdentifier(spec.Table))
	return s.guidQuery(ctx, q)
}

func (s *Store) OutdatedGUIDs(ctx context.Context, typ *indexable.Type) ([]uuid.UUID, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT guid FROM %s WHERE updated > indexed",
		pq.QuoteIdentifier(spec.Table))
	return s.guidQuery(ctx, q)
}

func (s *Store) CountOutdated(ctx context.Context, typ *indexable.Type) (int, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE updated > indexed",
		pq.QuoteIdentifier(spec.Table))

	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count outdated %s", typ.Name)
	}
	return n, nil
}

func (s *Store) FilterExisting(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID,
) ([]uuid.UUID, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return nil, err
	}
	if len(guids) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf("SELECT guid FROM %s WHERE guid = ANY($1)",
		pq.QuoteIdentifier(spec.Table))
	found, err := s.guidQuery(ctx, q, pq.Array(guidStrings(guids)))
	if err != nil {
		return nil, err
	}

	set := make(map[uuid.UUID]struct{}, len(found))
	for _, g := range found {
		set[g] = struct{}{}
	}
	out := make([]uuid.UUID, 0, len(found))
	for _, g := range guids {
		if _, ok := set[g]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *Store) MarkIndexed(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID, ts time.Time,
) error {
	return s.markColumn(ctx, typ, "indexed", guids, ts)
}

func (s *Store) MarkUpdated(ctx context.Context, typ *indexable.Type,
	guids []uuid.UUID, ts time.Time,
) error {
	return s.markColumn(ctx, typ, "updated", guids, ts)
}

func (s *Store) markColumn(ctx context.Context, typ *indexable.Type,
	column string, guids []uuid.UUID, ts time.Time,
) error {
	spec, err := s.spec(typ)
	if err != nil {
		return err
	}
	if len(guids) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE guid = ANY($2)",
		pq.QuoteIdentifier(spec.Table), pq.QuoteIdentifier(column))
	if _, err := s.db.ExecContext(ctx, q, ts.UTC(), pq.Array(guidStrings(guids))); err != nil {
		return errors.Wrapf(err, "mark %s of %d %s rows", column, len(guids), typ.Name)
	}
	return nil
}

func (s *Store) InvalidateAll(ctx context.Context, typ *indexable.Type,
	ts time.Time,
) (int64, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf("UPDATE %s SET updated = $1", pq.QuoteIdentifier(spec.Table))
	res, err := s.db.ExecContext(ctx, q, ts.UTC())
	if err != nil {
		return 0, errors.Wrapf(err, "invalidate %s", typ.Name)
	}
	return res.RowsAffected()
}

func (s *Store) Query(ctx context.Context, typ *indexable.Type,
	q indexsync.Query,
) (*indexsync.QueryResult, error) {
	spec, err := s.spec(typ)
	if err != nil {
		return nil, err
	}

	where := ""
	args := []interface{}{}
	if len(q.GUIDs) > 0 {
		where = " WHERE guid = ANY($1)"
		args = append(args, pq.Array(guidStrings(q.GUIDs)))
	}

	table := pq.QuoteIdentifier(spec.Table)
	res := &indexsync.QueryResult{}

	countQ := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&res.Total); err != nil {
		return nil, errors.Wrapf(err, "count %s", typ.Name)
	}

	order := "guid ASC"
	if q.OrderBy != "" {
		if expr, ok := spec.SortColumns[q.OrderBy]; ok {
			dir := "ASC"
			if q.Descending {
				dir = "DESC"
			}
			// primary key as stable tiebreaker
			order = fmt.Sprintf("%s %s, guid ASC", expr, dir)
		} else {
			s.logger.WithFields(logrus.Fields{
				"type": typ.Name,
				"sort": q.OrderBy,
			}).Warn("unknown sort path, ordering by primary key")
		}
	}

	page := ""
	if q.Limit > 0 {
		page = fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		page += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	if q.GUIDsOnly {
		sel := fmt.Sprintf("SELECT guid FROM %s%s ORDER BY %s%s", table, where, order, page)
		guids, err := s.guidQuery(ctx, sel, args...)
		if err != nil {
			return nil, err
		}
		res.GUIDs = guids
		return res, nil
	}

	sel := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s%s",
		strings.Join(spec.Columns, ", "), table, where, order, page)
	rows, err := s.db.QueryContext(ctx, sel, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", typ.Name)
	}
	defer rows.Close()

	for rows.Next() {
		ent, err := spec.Scan(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "scan %s row", typ.Name)
		}
		res.Entities = append(res.Entities, ent)
		res.GUIDs = append(res.GUIDs, ent.GUID())
	}
	return res, rows.Err()
}

func (s *Store) guidQuery(ctx context.Context, q string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "guid query")
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var g uuid.UUID
		if err := rows.Scan(&g); err != nil {
			return nil, errors.Wrap(err, "scan guid")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func guidStrings(guids []uuid.UUID) []string {
	out := make([]string, len(guids))
	for i, g := range guids {
		out[i] = g.String()
	}
	return out
}
