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
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotRegistered indicates a caller bug: an entity type was used where a
	// registered index type is required.
	ErrNotRegistered = errors.New("entity type not registered for indexing")

	// ErrWrongType indicates a caller bug: an entity instance does not belong
	// to the type it was tracked under.
	ErrWrongType = errors.New("entity does not belong to the given type")
)

// Type describes one registered entity type: the remote index it maps to plus
// the per-type capabilities the sync subsystem dispatches on. Capabilities
// left nil fall back to generic behavior.
type Type struct {
	// Name is the type tag, e.g. "mission".
	Name string

	// Index is the name of the remote index documents of this type live in.
	Index string

	// New returns a zero value of the entity, used when loading rows back
	// from primary storage.
	New func() Entity

	// Settings, if non-nil, is declared up front when the index is created.
	Settings map[string]interface{}

	// PatchMapping, if non-nil, is applied to a deep copy of the live field
	// mapping by the mapping guard; a structural difference between the
	// patched copy and the live mapping triggers an index rebuild.
	PatchMapping func(mapping map[string]interface{}) map[string]interface{}
}

type typeState struct {
	typ    *Type
	hooked bool
	pit    string
}

// Registry tracks the entity types eligible for indexing along with their
// hook-attachment status and point-in-time cursor. It is owned by the process
// bootstrap and injected wherever needed, never a package global.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*typeState
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]*typeState{}}
}

// Register adds a type to the registry. Registering the same name twice is an
// error; hook attachment status starts out false.
func (r *Registry) Register(t *Type) error {
	if t == nil || t.Name == "" || t.Index == "" {
		return errors.New("registry: type needs a name and an index")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[t.Name]; ok {
		return errors.Errorf("registry: type %q already registered", t.Name)
	}
	r.types[t.Name] = &typeState{typ: t}
	return nil
}

// Get resolves a type tag, returning ErrNotRegistered for unknown tags.
func (r *Registry) Get(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.types[name]
	if !ok {
		return nil, errors.Wrap(ErrNotRegistered, name)
	}
	return st.typ, nil
}

// All returns the registered types sorted by name for deterministic
// iteration order.
func (r *Registry) All() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Type, 0, len(r.types))
	for _, st := range r.types {
		out = append(out, st.typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkHooked flips the hook-attachment flag, returning false if the hooks
// were already attached. Attachment itself happens once per process.
func (r *Registry) MarkHooked(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.types[name]
	if !ok {
		return false, errors.Wrap(ErrNotRegistered, name)
	}
	if st.hooked {
		return false, nil
	}
	st.hooked = true
	return true, nil
}

// PIT returns the current point-in-time cursor id for a type, or "".
func (r *Registry) PIT(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if st, ok := r.types[name]; ok {
		return st.pit
	}
	return ""
}

// SetPIT rotates the point-in-time cursor id for a type.
func (r *Registry) SetPIT(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.types[name]; ok {
		st.pit = id
	}
}

func (t *Type) String() string {
	return fmt.Sprintf("%s(index=%s)", t.Name, t.Index)
}
