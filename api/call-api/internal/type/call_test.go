// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		allowed  bool
	}{
		{CallStatusRinging, CallStatusAccepted, true},
		{CallStatusRinging, CallStatusDeclined, true},
		{CallStatusRinging, CallStatusEnded, true},
		{CallStatusAccepted, CallStatusEnded, true},
		{CallStatusDeclined, CallStatusEnded, true},
		{CallStatusEnded, CallStatusEnded, true},
		{CallStatusAccepted, CallStatusRinging, false},
		{CallStatusAccepted, CallStatusDeclined, false},
		{CallStatusEnded, CallStatusAccepted, false},
		{CallStatusDeclined, CallStatusAccepted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCallUpdate_Apply(t *testing.T) {
	answer := &SessionDescription{Type: SDPTypeAnswer, SDP: "v=0 answer"}
	base := &CallRecord{ID: "c1", CallerID: "a", CalleeID: "b", Status: CallStatusRinging}

	t.Run("accept with answer", func(t *testing.T) {
		accepted := CallStatusAccepted
		next, err := CallUpdate{Status: &accepted, Answer: answer}.Apply(base)
		require.NoError(t, err)
		assert.Equal(t, CallStatusAccepted, next.Status)
		assert.True(t, next.Answer.Equal(answer))
		assert.Equal(t, CallStatusRinging, base.Status, "source record is not mutated")
	})

	t.Run("answer is write-once", func(t *testing.T) {
		withAnswer := base.Clone()
		withAnswer.Answer = answer
		_, err := CallUpdate{Answer: &SessionDescription{Type: SDPTypeAnswer, SDP: "other"}}.Apply(withAnswer)
		assert.ErrorIs(t, err, ErrImmutableField)

		_, err = CallUpdate{Answer: answer}.Apply(withAnswer)
		assert.NoError(t, err, "identical rewrite is a retry")
	})

	t.Run("ended at is kept from first write", func(t *testing.T) {
		ended := CallStatusEnded
		first := time.Unix(100, 0)
		next, err := CallUpdate{Status: &ended, EndedAt: &first}.Apply(base)
		require.NoError(t, err)
		later := time.Unix(200, 0)
		again, err := CallUpdate{Status: &ended, EndedAt: &later}.Apply(next)
		require.NoError(t, err)
		assert.Equal(t, first, *again.EndedAt)
	})

	t.Run("rejects backwards transition", func(t *testing.T) {
		ended := base.Clone()
		ended.Status = CallStatusEnded
		accepted := CallStatusAccepted
		_, err := CallUpdate{Status: &accepted}.Apply(ended)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestInvitationFromRecord_FallsBackToCallerID(t *testing.T) {
	inv := InvitationFromRecord(&CallRecord{ID: "c1", CallerID: "alice"})
	assert.Equal(t, "alice", inv.CallerName)

	inv = InvitationFromRecord(&CallRecord{ID: "c2", CallerID: "alice", CallerName: "Grandma"})
	assert.Equal(t, "Grandma", inv.CallerName)
	assert.Equal(t, "c2", inv.CallID)
}

func TestRole_Remote(t *testing.T) {
	assert.Equal(t, RoleCallee, RoleCaller.Remote())
	assert.Equal(t, RoleCaller, RoleCallee.Remote())
}
