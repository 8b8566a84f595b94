// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_signaling "github.com/rapidaai/memorykeeper/api/call-api/internal/signaling"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

var errPurgeFailed = errors.New("purge failed")

// flakyPurgeChannel fails to purge the caller sub-collection.
type flakyPurgeChannel struct {
	*internal_signaling.MemoryChannel
}

func (c flakyPurgeChannel) PurgeCandidates(ctx context.Context, callID string, role internal_type.Role) (int, error) {
	if role == internal_type.RoleCaller {
		return 0, errPurgeFailed
	}
	return c.MemoryChannel.PurgeCandidates(ctx, callID, role)
}

func connectedCaller(t *testing.T, f *negotiationFixture) (*Session, *fakePeer) {
	t.Helper()
	ctx := context.Background()
	s := f.session(t, "c1", internal_type.RoleCaller)
	require.NoError(t, s.watch(ctx))
	_, err := s.createOffer(ctx, "")
	require.NoError(t, err)
	peer := f.engine.lastPeer()
	peer.discover(candidate("caller-1"))
	require.NoError(t, f.channel.AddCandidate(ctx, "c1", internal_type.RoleCallee, candidate("callee-1")))
	s.ingestRemoteCandidate(candidate("buffered"), internal_type.RoleCallee)
	return s, peer
}

func TestTeardown_ReleasesEverything(t *testing.T) {
	f := newNegotiationFixture(t)
	s, peer := connectedCaller(t, f)
	stream := s.localStream()
	s.startRingTimer(waitFor, func() { t.Error("ring timer fired after teardown") })

	require.NoError(t, s.teardown(context.Background()))

	_, _, closed := peer.stats()
	assert.True(t, closed)
	assert.Nil(t, s.peer())
	assert.Nil(t, s.localStream())
	assert.True(t, allStopped(stream))
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Status())
	assert.Empty(t, s.snapshot().RemoteTracks)
	assert.False(t, s.CallerRemoteDescSet())
	assert.False(t, s.CalleeRemoteDescSet())
	for _, gate := range s.gates {
		assert.Zero(t, gate.Pending())
	}
	assert.Zero(t, f.channel.CandidateCount("c1", internal_type.RoleCaller))
	assert.Zero(t, f.channel.CandidateCount("c1", internal_type.RoleCallee))

	rec, err := f.channel.GetCall(context.Background(), "c1")
	require.NoError(t, err, "the record is kept as history")
	assert.Equal(t, "c1", rec.ID)

	// the record subscription is gone
	before := len(f.sink.ofType(EventStatusChanged))
	ended := internal_type.CallStatusEnded
	_, err = f.channel.UpdateCall(context.Background(), "c1", internal_type.CallUpdate{Status: &ended})
	require.NoError(t, err)
	assert.Never(t, func() bool {
		return len(f.sink.ofType(EventStatusChanged)) > before
	}, 50*tick, tick)
}

func TestTeardown_Idempotent(t *testing.T) {
	f := newNegotiationFixture(t)
	s, peer := connectedCaller(t, f)

	require.NoError(t, s.teardown(context.Background()))
	first := s.snapshot()
	assert.NotPanics(t, func() {
		require.NoError(t, s.teardown(context.Background()))
	})
	assert.Equal(t, first, s.snapshot())

	peer.mu.Lock()
	closeCalls := peer.closeCalls
	peer.mu.Unlock()
	assert.Equal(t, 1, closeCalls)
}

func TestTeardown_BestEffort(t *testing.T) {
	f := newNegotiationFixture(t)
	ctx := context.Background()
	channel := flakyPurgeChannel{MemoryChannel: f.channel}
	s := newSession(sessionParams{callID: "c1", role: internal_type.RoleCaller, localID: "alice", peerID: "bob"},
		testLogger(t), channel, f.engine, internal_media.DefaultConfiguration(), f.sink)
	stream, err := f.engine.GetUserMedia(ctx, internal_media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	s.setStream(stream)
	_, err = s.createOffer(ctx, "")
	require.NoError(t, err)
	require.NoError(t, f.channel.AddCandidate(ctx, "c1", internal_type.RoleCallee, candidate("callee-1")))

	err = s.teardown(ctx)
	assert.ErrorIs(t, err, errPurgeFailed)

	_, _, closed := f.engine.lastPeer().stats()
	assert.True(t, closed, "a failed purge does not stop the other steps")
	assert.True(t, allStopped(stream))
	assert.Zero(t, f.channel.CandidateCount("c1", internal_type.RoleCallee))
}
