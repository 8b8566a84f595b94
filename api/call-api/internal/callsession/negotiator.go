// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

const candidatePublishTimeout = 5 * time.Second

var (
	errWrongRole        = errors.New("operation not allowed for this role")
	errNoPeerConnection = errors.New("no peer connection")
	errOfferNotApplied  = errors.New("remote offer not applied")
)

// ============================================================================
// Peer connection
// ============================================================================

// preparePeer builds the peer connection and attaches the local stream.
func (s *Session) preparePeer() (internal_media.PeerConnection, error) {
	stream := s.localStream()
	if stream == nil {
		return nil, ErrNoLocalMedia
	}
	pc, err := s.engine.NewPeerConnection(s.webrtc)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	pc.OnICECandidate(s.ingestLocalCandidate)
	pc.OnTrack(func(t internal_media.RemoteTrack) {
		s.sink.dispatch(Event{Type: EventRemoteTrackReceived, CallID: s.callID, session: s, Track: t})
	})
	pc.OnConnectionStateChange(func(state internal_media.ConnectionState) {
		s.sink.dispatch(Event{Type: EventConnectionStateChanged, CallID: s.callID, session: s, ConnectionState: state})
	})
	if err := pc.AddStream(stream); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to attach local stream: %w", err)
	}

	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()
	return pc, nil
}

// ============================================================================
// Offer / answer
// ============================================================================

// createOffer sets the local offer and writes the ringing record.
func (s *Session) createOffer(ctx context.Context, callerName string) (*internal_type.SessionDescription, error) {
	if s.role != internal_type.RoleCaller {
		return nil, fmt.Errorf("create offer: %w", errWrongRole)
	}
	pc, err := s.preparePeer()
	if err != nil {
		return nil, err
	}
	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local offer: %w", err)
	}

	record := &internal_type.CallRecord{
		ID:         s.callID,
		CallerID:   s.localID,
		CalleeID:   s.peerID,
		CallerName: callerName,
		Status:     internal_type.CallStatusRinging,
		Offer:      &offer,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.channel.CreateCall(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to publish offer: %w", err)
	}
	s.setStatus(internal_type.CallStatusRinging)
	s.logger.Infow("offer published", "calleeId", s.peerID)
	return &offer, nil
}

// applyRemoteOffer point-reads the record, applies its offer and flushes the
// caller candidates buffered so far.
func (s *Session) applyRemoteOffer(ctx context.Context) (*internal_type.CallRecord, error) {
	if s.role != internal_type.RoleCallee {
		return nil, fmt.Errorf("apply remote offer: %w", errWrongRole)
	}
	record, err := s.channel.GetCall(ctx, s.callID)
	if err != nil {
		return nil, fmt.Errorf("failed to read call %s: %w", s.callID, err)
	}
	if record.Offer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOffer, s.callID)
	}
	if record.Status != internal_type.CallStatusRinging {
		return nil, fmt.Errorf("%w: %s is %s", ErrCallNotRinging, s.callID, record.Status)
	}

	pc, err := s.preparePeer()
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(*record.Offer); err != nil {
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}
	flushed := s.gates[internal_type.RoleCaller].Open(s.applyCandidate)
	s.logger.Debugw("remote offer applied", "flushed", flushed)
	return record, nil
}

// createAnswer sets the local answer and writes it together with status accepted.
func (s *Session) createAnswer(ctx context.Context) (*internal_type.SessionDescription, error) {
	if s.role != internal_type.RoleCallee {
		return nil, fmt.Errorf("create answer: %w", errWrongRole)
	}
	pc := s.peer()
	if pc == nil || !pc.HasRemoteDescription() {
		return nil, errOfferNotApplied
	}
	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local answer: %w", err)
	}

	status := internal_type.CallStatusAccepted
	_, err = s.channel.UpdateCall(ctx, s.callID, internal_type.CallUpdate{Status: &status, Answer: &answer})
	if err != nil {
		if errors.Is(err, internal_type.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %w", ErrCallNotRinging, err)
		}
		return nil, fmt.Errorf("failed to publish answer: %w", err)
	}
	s.setStatus(internal_type.CallStatusAccepted)
	s.logger.Infow("answer published", "callerId", s.peerID)
	return &answer, nil
}

// applyRemoteAnswer applies the answer unless a remote description is already
// set. It reports whether this call applied it.
func (s *Session) applyRemoteAnswer(answer internal_type.SessionDescription) (bool, error) {
	if s.role != internal_type.RoleCaller {
		return false, fmt.Errorf("apply remote answer: %w", errWrongRole)
	}
	pc := s.peer()
	if pc == nil {
		return false, errNoPeerConnection
	}
	if pc.HasRemoteDescription() {
		return false, nil
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("failed to set remote answer: %w", err)
	}
	flushed := s.gates[internal_type.RoleCallee].Open(s.applyCandidate)
	s.logger.Debugw("remote answer applied", "flushed", flushed)
	return true, nil
}

// ============================================================================
// Trickle ICE
// ============================================================================

// ingestLocalCandidate publishes a candidate discovered by the local ICE agent.
func (s *Session) ingestLocalCandidate(c internal_type.ICECandidate) {
	if s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, candidatePublishTimeout)
	defer cancel()
	if err := s.channel.AddCandidate(ctx, s.callID, s.role, c); err != nil {
		s.logger.Warnw("failed to publish local candidate", "error", err)
	}
}

// ingestRemoteCandidate applies c when the remote description it depends on is
// set and buffers it otherwise.
func (s *Session) ingestRemoteCandidate(c internal_type.ICECandidate, from internal_type.Role) bool {
	gate, ok := s.gates[from]
	if !ok {
		s.logger.Warnw("candidate from unknown role", "from", from.String())
		return false
	}
	return gate.Offer(c, s.applyCandidate)
}

func (s *Session) applyCandidate(c internal_type.ICECandidate) {
	pc := s.peer()
	if pc == nil {
		s.logger.Debugw("dropping candidate, no peer connection")
		return
	}
	if err := pc.AddICECandidate(c); err != nil {
		s.logger.Warnw("failed to apply remote candidate", "error", err)
	}
}
