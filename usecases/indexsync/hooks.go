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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/esync/entities/indexable"
)

// Hooks maps persistence-layer events 1:1 onto the coordinator, making index
// batching exactly co-extensive with relational transaction nesting. The
// persistence adapter calls these synchronously before its own writes.
type Hooks struct {
	coordinator *Coordinator
	registry    *indexable.Registry
	scope       ScopeConfig
	logger      logrus.FieldLogger
}

// NewHooks builds the hook set. scope is the config every transaction-begin
// opens with; administrative flows that need different behavior manage their
// scopes directly on the coordinator.
func NewHooks(coordinator *Coordinator, registry *indexable.Registry,
	scope ScopeConfig, logger logrus.FieldLogger,
) *Hooks {
	return &Hooks{
		coordinator: coordinator,
		registry:    registry,
		scope:       scope,
		logger:      logger,
	}
}

// Attach flips the registry's hook flag for a type. It is idempotent; the
// persistence adapter only wires its callbacks on the first call.
func (h *Hooks) Attach(typeName string) (bool, error) {
	first, err := h.registry.MarkHooked(typeName)
	if err != nil {
		return false, err
	}
	if first {
		h.logger.WithField("type", typeName).Info("index hooks attached")
	}
	return first, nil
}

func (h *Hooks) OnTransactionBegin() {
	h.coordinator.Enter(h.scope)
}

func (h *Hooks) OnTransactionEnd(ctx context.Context) {
	if err := h.coordinator.Exit(ctx); err != nil {
		h.logger.WithError(err).Warn("scope exit on transaction end failed")
	}
}

// OnTransactionAbort is the error path of a transaction: the scope is
// force-drained instead of exited.
func (h *Hooks) OnTransactionAbort(ctx context.Context, reason string) {
	h.coordinator.Abort(ctx, reason)
}

func (h *Hooks) OnBeforeInsert(typeName string, entity indexable.Entity) Outcome {
	return h.trackIndex(typeName, entity)
}

func (h *Hooks) OnBeforeUpdate(typeName string, entity indexable.Entity) Outcome {
	return h.trackIndex(typeName, entity)
}

func (h *Hooks) OnBeforeDelete(typeName string, guid uuid.UUID) Outcome {
	typ, err := h.registry.Get(typeName)
	if err != nil {
		h.logger.WithError(err).WithField("type", typeName).
			Error("delete hook fired for unregistered type")
		return OutcomeSkipped
	}
	return h.coordinator.TrackDelete(typ, guid)
}

func (h *Hooks) trackIndex(typeName string, entity indexable.Entity) Outcome {
	typ, err := h.registry.Get(typeName)
	if err != nil {
		h.logger.WithError(err).WithField("type", typeName).
			Error("index hook fired for unregistered type")
		return OutcomeSkipped
	}
	return h.coordinator.TrackIndex(typ, entity, false)
}
