// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"context"
	"errors"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

var ErrChannelClosed = errors.New("signaling channel closed")

// Unsubscribe stops a live query. It is safe to call more than once.
type Unsubscribe func()

// Channel is the shared document store both participants negotiate through.
//
// Live queries deliver an initial snapshot and then one notification per
// change. Handlers of a single subscription run sequentially in delivery order;
// a panicking handler is logged and the subscription keeps running. The ctx
// passed to a Watch* method bounds subscription setup only, the subscription
// lives until its Unsubscribe is called or the channel is closed.
type Channel interface {
	// CreateCall point-sets the whole record.
	CreateCall(ctx context.Context, record *internal_type.CallRecord) error

	// GetCall point-reads a record. Returns internal_type.ErrCallNotFound when absent.
	GetCall(ctx context.Context, callID string) (*internal_type.CallRecord, error)

	// UpdateCall applies a partial write. Status transitions are validated with
	// CallStatus.CanTransition and the answer is write-once; violations return
	// ErrInvalidTransition / ErrImmutableField without writing anything.
	UpdateCall(ctx context.Context, callID string, update internal_type.CallUpdate) (*internal_type.CallRecord, error)

	// WatchCall notifies every change of a single record.
	WatchCall(ctx context.Context, callID string, fn func(*internal_type.CallRecord)) (Unsubscribe, error)

	// WatchRinging notifies the ringing calls for a callee, earliest first,
	// capped at one. An empty slice means nothing is ringing.
	WatchRinging(ctx context.Context, calleeID string, fn func([]*internal_type.CallRecord)) (Unsubscribe, error)

	// AddCandidate appends to the role's candidate sub-collection of a call.
	AddCandidate(ctx context.Context, callID string, role internal_type.Role, candidate internal_type.ICECandidate) error

	// WatchCandidates delivers every existing and every new entry of the role's
	// sub-collection, in append order.
	WatchCandidates(ctx context.Context, callID string, role internal_type.Role, fn func(internal_type.ICECandidate)) (Unsubscribe, error)

	// PurgeCandidates reads the role's sub-collection and deletes each entry.
	// It keeps going past individual failures and returns them joined.
	PurgeCandidates(ctx context.Context, callID string, role internal_type.Role) (int, error)

	Close() error
}

// invoke runs a subscription handler, recovering panics at the callback boundary.
func invoke(logger commons.Logger, subscription string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("signaling handler panicked", "subscription", subscription, "panic", r)
		}
	}()
	fn()
}
