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

package document

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
)

// SchemaAutomatic is stamped into the _schema field of documents built by the
// generic reflection path.
const SchemaAutomatic = "automatic"

// derivedFields are computed properties that must never be stored as data.
var derivedFields = map[string]struct{}{
	"elasticsearchable": {},
}

var (
	errDeniedKind      = errors.New("field kind cannot be serialized")
	errStorageInternal = errors.New("field holds a database-internal object")
)

// Document is the index-ready representation of an entity.
type Document struct {
	Index string
	GUID  uuid.UUID
	Body  map[string]interface{}
}

// Serialize converts an entity into an index-ready document body. If the
// entity declares its own serializer that path is used; a declared serializer
// that fails falls back to the generic path with the failure recorded in the
// _schema field. The returned body is guaranteed JSON-serializable.
func Serialize(typ *indexable.Type, e indexable.Entity, now time.Time,
	logger logrus.FieldLogger,
) (*Document, error) {
	var (
		body   map[string]interface{}
		schema string
	)

	if ds, ok := e.(indexable.DocumentSerializer); ok {
		declared, err := ds.SerializeDocument()
		if err == nil {
			body = declared
			schema = schemaName(e)
		} else {
			logger.WithError(err).WithField("type", typ.Name).
				Warn("declared document schema failed, falling back to automatic")
			body = generic(e, logger)
			schema = fmt.Sprintf("%s: %v", SchemaAutomatic, err)
		}
	} else {
		body = generic(e, logger)
		schema = SchemaAutomatic
	}

	for name := range derivedFields {
		delete(body, name)
	}
	body["_schema"] = schema
	body["indexed"] = now.UTC().Format(time.RFC3339Nano)

	if _, err := json.Marshal(body); err != nil {
		return nil, errors.Wrapf(err, "document for %s/%s is not JSON-serializable",
			typ.Name, e.GUID())
	}

	return &Document{Index: typ.Index, GUID: e.GUID(), Body: body}, nil
}

func schemaName(e indexable.Entity) string {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// generic walks the entity's exported fields, converting each to a JSON-safe
// value. Fields that cannot be represented are skipped with a warning rather
// than failing the whole document.
func generic(e indexable.Entity, logger logrus.FieldLogger) map[string]interface{} {
	v := reflect.ValueOf(e)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return map[string]interface{}{}
	}
	return structToMap(v, logger)
}

func structToMap(v reflect.Value, logger logrus.FieldLogger) map[string]interface{} {
	out := map[string]interface{}{}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}

		if field.Anonymous {
			fv := v.Field(i)
			for fv.Kind() == reflect.Ptr && !fv.IsNil() {
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				for k, val := range structToMap(fv, logger) {
					out[k] = val
				}
				continue
			}
		}

		name := fieldName(field)
		if name == "" {
			continue
		}
		if _, derived := derivedFields[name]; derived {
			continue
		}

		converted, err := convertValue(v.Field(i))
		if err != nil {
			logger.WithError(err).WithField("field", name).
				Warn("skipping unserializable field")
			continue
		}
		out[name] = converted
	}
	return out
}

func fieldName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if tag != "" {
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag != "" {
			return tag
		}
	}
	return strings.ToLower(field.Name)
}

func convertValue(v reflect.Value) (interface{}, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch x := v.Interface().(type) {
	case uuid.UUID:
		return x.String(), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.String(), nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return convertValue(v.Elem())

	case reflect.Struct:
		if strings.HasPrefix(v.Type().PkgPath(), "database/sql") {
			return nil, errors.Wrap(errStorageInternal, v.Type().String())
		}
		return structToMapPlain(v)

	case reflect.Slice, reflect.Array:
		out := make([]interface{}, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			item, err := convertValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil

	case reflect.Map:
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, err := convertValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = val
		}
		return out, nil

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, errors.Wrap(errDeniedKind, v.Kind().String())

	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return v.Interface(), nil

	default:
		// last resort: let the JSON encoder decide
		if _, err := json.Marshal(v.Interface()); err != nil {
			return nil, errors.Wrap(err, v.Type().String())
		}
		return v.Interface(), nil
	}
}

// structToMapPlain handles nested plain structs that are not entities
// themselves; database-internal types have already been rejected.
func structToMapPlain(v reflect.Value) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := fieldName(field)
		if name == "" {
			continue
		}
		converted, err := convertValue(v.Field(i))
		if err != nil {
			return nil, err
		}
		out[name] = converted
	}
	return out, nil
}
