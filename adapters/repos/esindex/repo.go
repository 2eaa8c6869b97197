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

package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/usecases/indexsync"
)

const (
	pitKeepAlive = "5m"
	scanPageSize = 10000
)

// Repo implements the sync subsystem's RemoteIndex boundary over the
// Elasticsearch low-level client.
type Repo struct {
	es     *elasticsearch.Client
	logger logrus.FieldLogger
}

func NewRepo(es *elasticsearch.Client, logger logrus.FieldLogger) *Repo {
	return &Repo{es: es, logger: logger}
}

func (r *Repo) Exists(ctx context.Context, index string, guid uuid.UUID) (bool, error) {
	res, err := r.es.Exists(index, guid.String(), r.es.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, "exists call")
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("exists call: %s", res.Status())
	}
}

func (r *Repo) Get(ctx context.Context, index string, guid uuid.UUID) (map[string]interface{}, error) {
	res, err := r.es.Get(index, guid.String(), r.es.Get.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "get call")
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return nil, nil
	}

	var out struct {
		Found  bool                   `json:"found"`
		Source map[string]interface{} `json:"_source"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, nil
	}
	return out.Source, nil
}

func (r *Repo) Index(ctx context.Context, index string, guid uuid.UUID,
	body map[string]interface{},
) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	res, err := r.es.Index(index, bytes.NewReader(raw),
		r.es.Index.WithDocumentID(guid.String()),
		r.es.Index.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "index call")
	}
	return drain(res)
}

func (r *Repo) Delete(ctx context.Context, index string, guid uuid.UUID) error {
	res, err := r.es.Delete(index, guid.String(), r.es.Delete.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "delete call")
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	// deleting an absent document is not a failure
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return errors.Errorf("delete call: %s", res.Status())
	}
	return nil
}

// Bulk submits the actions as one NDJSON body. A nil return means every item
// was accepted; partial failure comes back as *indexsync.BulkError.
func (r *Repo) Bulk(ctx context.Context, index string, actions []indexsync.BulkAction) error {
	if len(actions) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, action := range actions {
		meta := map[string]interface{}{
			string(action.Kind): map[string]interface{}{
				"_index": index,
				"_id":    action.GUID.String(),
			},
		}
		if err := enc.Encode(meta); err != nil {
			return &indexsync.BulkError{Cause: errors.Wrap(err, "encode bulk meta")}
		}
		if action.Kind == indexsync.ActionIndex {
			if err := enc.Encode(action.Body); err != nil {
				return &indexsync.BulkError{Cause: errors.Wrap(err, "encode bulk body")}
			}
		}
	}

	res, err := r.es.Bulk(bytes.NewReader(buf.Bytes()), r.es.Bulk.WithContext(ctx))
	if err != nil {
		return &indexsync.BulkError{Cause: errors.Wrap(err, "bulk call")}
	}

	var out struct {
		Errors bool                              `json:"errors"`
		Items  []map[string]bulkItemResponseItem `json:"items"`
	}
	if err := decode(res, &out); err != nil {
		return &indexsync.BulkError{Cause: err}
	}
	if !out.Errors {
		return nil
	}

	var items []indexsync.BulkItemError
	for _, wrapper := range out.Items {
		for kind, item := range wrapper {
			if item.Error == nil {
				continue
			}
			// a delete of an absent document reports 404 but is effective
			if kind == string(indexsync.ActionDelete) && item.Status == http.StatusNotFound {
				continue
			}
			guid, _ := uuid.Parse(item.ID)
			items = append(items, indexsync.BulkItemError{
				GUID:   guid,
				Status: item.Status,
				Reason: item.Error.Reason,
			})
		}
	}
	if len(items) == 0 {
		return nil
	}
	return &indexsync.BulkError{Items: items}
}

type bulkItemResponseItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (r *Repo) ExistsMany(ctx context.Context, index string, guids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(guids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}

	ids := make([]string, len(guids))
	for i, g := range guids {
		ids[i] = g.String()
	}
	body, err := json.Marshal(map[string]interface{}{"ids": ids})
	if err != nil {
		return nil, errors.Wrap(err, "encode mget body")
	}

	res, err := r.es.Mget(bytes.NewReader(body),
		r.es.Mget.WithIndex(index),
		r.es.Mget.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "mget call")
	}

	var out struct {
		Docs []struct {
			ID    string `json:"_id"`
			Found bool   `json:"found"`
		} `json:"docs"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}

	present := make(map[uuid.UUID]bool, len(out.Docs))
	for _, doc := range out.Docs {
		if g, err := uuid.Parse(doc.ID); err == nil {
			present[g] = doc.Found
		}
	}
	return present, nil
}

func (r *Repo) CreateIndex(ctx context.Context, index string,
	mappings, settings map[string]interface{},
) error {
	body := map[string]interface{}{}
	if len(mappings) > 0 {
		body["mappings"] = mappings
	}
	if len(settings) > 0 {
		body["settings"] = settings
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode index body")
	}

	res, err := r.es.Indices.Create(index,
		r.es.Indices.Create.WithBody(bytes.NewReader(raw)),
		r.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "create index call")
	}
	return drain(res)
}

func (r *Repo) DeleteIndex(ctx context.Context, index string) error {
	res, err := r.es.Indices.Delete([]string{index},
		r.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "delete index call")
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return errors.Errorf("delete index call: %s", res.Status())
	}
	return nil
}

func (r *Repo) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := r.es.Indices.Exists([]string{index},
		r.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, errors.Wrap(err, "index exists call")
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Errorf("index exists call: %s", res.Status())
	}
}

func (r *Repo) Refresh(ctx context.Context, index string) error {
	res, err := r.es.Indices.Refresh(
		r.es.Indices.Refresh.WithIndex(index),
		r.es.Indices.Refresh.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "refresh call")
	}
	return drain(res)
}

func (r *Repo) GetMapping(ctx context.Context, index string) (map[string]interface{}, error) {
	res, err := r.es.Indices.GetMapping(
		r.es.Indices.GetMapping.WithIndex(index),
		r.es.Indices.GetMapping.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "get mapping call")
	}

	var out map[string]struct {
		Mappings map[string]interface{} `json:"mappings"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	if entry, ok := out[index]; ok {
		return entry.Mappings, nil
	}
	// the index may be aliased; take the first entry
	for _, entry := range out {
		return entry.Mappings, nil
	}
	return map[string]interface{}{}, nil
}

func (r *Repo) DocCount(ctx context.Context, index string) (int64, error) {
	res, err := r.es.Count(
		r.es.Count.WithIndex(index),
		r.es.Count.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrap(err, "count call")
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := decode(res, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (r *Repo) ClusterHealth(ctx context.Context) (string, error) {
	res, err := r.es.Cluster.Health(r.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return "", errors.Wrap(err, "cluster health call")
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := decode(res, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (r *Repo) OpenPointInTime(ctx context.Context, index string) (string, error) {
	res, err := r.es.OpenPointInTime([]string{index}, pitKeepAlive,
		r.es.OpenPointInTime.WithContext(ctx))
	if err != nil {
		return "", errors.Wrap(err, "open point-in-time call")
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := decode(res, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (r *Repo) ClosePointInTime(ctx context.Context, id string) error {
	raw, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return errors.Wrap(err, "encode point-in-time id")
	}
	res, err := r.es.ClosePointInTime(bytes.NewReader(raw),
		r.es.ClosePointInTime.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "close point-in-time call")
	}
	return drain(res)
}

// ScanGUIDs streams every document id through a point-in-time cursor with
// search_after pagination, so concurrent writes cannot skew the scan.
func (r *Repo) ScanGUIDs(ctx context.Context, index string) ([]uuid.UUID, error) {
	exists, err := r.IndexExists(ctx, index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	pit, err := r.OpenPointInTime(ctx, index)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.ClosePointInTime(context.Background(), pit); cerr != nil {
			r.logger.WithError(cerr).WithField("index", index).
				Warn("could not close point-in-time cursor")
		}
	}()

	var (
		out   []uuid.UUID
		after []interface{}
	)
	for {
		body := map[string]interface{}{
			"size":    scanPageSize,
			"query":   map[string]interface{}{"match_all": map[string]interface{}{}},
			"pit":     map[string]interface{}{"id": pit, "keep_alive": pitKeepAlive},
			"sort":    []map[string]interface{}{{"_shard_doc": "asc"}},
			"_source": false,
		}
		if after != nil {
			body["search_after"] = after
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode scan body")
		}

		res, err := r.es.Search(
			r.es.Search.WithBody(bytes.NewReader(raw)),
			r.es.Search.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrap(err, "scan call")
		}

		var page struct {
			PitID string `json:"pit_id"`
			Hits  struct {
				Hits []struct {
					ID   string        `json:"_id"`
					Sort []interface{} `json:"sort"`
				} `json:"hits"`
			} `json:"hits"`
		}
		if err := decode(res, &page); err != nil {
			return nil, err
		}
		if len(page.Hits.Hits) == 0 {
			return out, nil
		}
		if page.PitID != "" {
			pit = page.PitID
		}
		for _, hit := range page.Hits.Hits {
			if g, err := uuid.Parse(hit.ID); err == nil {
				out = append(out, g)
			}
		}
		after = page.Hits.Hits[len(page.Hits.Hits)-1].Sort
	}
}

func (r *Repo) Search(ctx context.Context, index string,
	query map[string]interface{}, sort []map[string]interface{},
	from, size int,
) (*indexsync.SearchHits, error) {
	body := map[string]interface{}{
		"query":            query,
		"from":             from,
		"size":             size,
		"_source":          false,
		"track_total_hits": true,
	}
	if len(sort) > 0 {
		body["sort"] = sort
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode search body")
	}

	res, err := r.es.Search(
		r.es.Search.WithIndex(index),
		r.es.Search.WithBody(bytes.NewReader(raw)),
		r.es.Search.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "search call")
	}

	var out struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := decode(res, &out); err != nil {
		return nil, err
	}

	hits := &indexsync.SearchHits{Total: out.Hits.Total.Value}
	for _, hit := range out.Hits.Hits {
		if g, err := uuid.Parse(hit.ID); err == nil {
			hits.GUIDs = append(hits.GUIDs, g)
		}
	}
	return hits, nil
}

// decode closes the response body and unmarshals it, converting HTTP-level
// errors into Go errors with the server's reason attached.
func decode(res *esapi.Response, out interface{}) error {
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return errors.Errorf("elasticsearch: %s: %s", res.Status(), bytes.TrimSpace(raw))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func drain(res *esapi.Response) error {
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return errors.Errorf("elasticsearch: %s: %s", res.Status(), bytes.TrimSpace(raw))
	}
	io.Copy(io.Discard, res.Body)
	return nil
}
