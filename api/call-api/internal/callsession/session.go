// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_signaling "github.com/rapidaai/memorykeeper/api/call-api/internal/signaling"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

// eventSink receives the events a session's subscriptions and peer callbacks produce.
type eventSink interface {
	dispatch(e Event)
}

// Session owns everything that belongs to one call: the peer connection, the
// local stream, the live subscriptions and the two candidate gates. It is
// created on start/accept and discarded after teardown.
type Session struct {
	callID   string
	role     internal_type.Role
	localID  string
	peerID   string
	peerName string

	logger  commons.Logger
	channel internal_signaling.Channel
	engine  internal_media.Engine
	webrtc  internal_media.Configuration
	sink    eventSink

	// keyed by the role that originated the candidates
	gates map[internal_type.Role]*candidateGate

	// bounds local candidate publishing, cancelled on teardown
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	status        internal_type.CallStatus
	pc            internal_media.PeerConnection
	stream        *internal_media.Stream
	remoteTracks  []internal_media.RemoteTrack
	micEnabled    bool
	speakerOn     bool
	subscriptions []internal_signaling.Unsubscribe
	ringTimer     *time.Timer
}

type sessionParams struct {
	callID   string
	role     internal_type.Role
	localID  string
	peerID   string
	peerName string
}

func newSession(p sessionParams, logger commons.Logger, channel internal_signaling.Channel, engine internal_media.Engine, webrtc internal_media.Configuration, sink eventSink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID:   p.callID,
		role:     p.role,
		localID:  p.localID,
		peerID:   p.peerID,
		peerName: p.peerName,
		logger:   logger.With("callId", p.callID, "role", p.role.String()),
		channel:  channel,
		engine:   engine,
		webrtc:   webrtc,
		sink:     sink,
		gates: map[internal_type.Role]*candidateGate{
			internal_type.RoleCaller: newCandidateGate(),
			internal_type.RoleCallee: newCandidateGate(),
		},
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		micEnabled: true,
	}
}

func (s *Session) CallID() string { return s.callID }

func (s *Session) Role() internal_type.Role { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Infow("call state changed", "from", prev.String(), "to", state.String())
	}
}

func (s *Session) Status() internal_type.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(status internal_type.CallStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// advanceStatus moves the local status forward only. Notifications can be
// stale relative to writes this side already made.
func (s *Session) advanceStatus(status internal_type.CallStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == status || (s.status != "" && !s.status.CanTransition(status)) {
		return false
	}
	s.status = status
	return true
}

// CallerRemoteDescSet reports whether the caller side applied the answer, which
// gates callee-originated candidates.
func (s *Session) CallerRemoteDescSet() bool {
	return s.gates[internal_type.RoleCallee].IsOpen()
}

// CalleeRemoteDescSet reports whether the callee side applied the offer, which
// gates caller-originated candidates.
func (s *Session) CalleeRemoteDescSet() bool {
	return s.gates[internal_type.RoleCaller].IsOpen()
}

func (s *Session) peer() internal_media.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *Session) localStream() *internal_media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *Session) setStream(stream *internal_media.Stream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *Session) addRemoteTrack(t internal_media.RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.remoteTracks {
		if cur.ID == t.ID {
			return false
		}
	}
	s.remoteTracks = append(s.remoteTracks, t)
	return true
}

func (s *Session) track(unsubscribe internal_signaling.Unsubscribe) {
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, unsubscribe)
	s.mu.Unlock()
}

// watch subscribes to the call record and to the peer's candidates. Both must
// be live before descriptions are exchanged so nothing is missed.
func (s *Session) watch(ctx context.Context) error {
	unsubscribe, err := s.channel.WatchCall(ctx, s.callID, s.onRecord)
	if err != nil {
		return fmt.Errorf("failed to watch call %s: %w", s.callID, err)
	}
	s.track(unsubscribe)

	remote := s.role.Remote()
	unsubscribe, err = s.channel.WatchCandidates(ctx, s.callID, remote, func(c internal_type.ICECandidate) {
		s.sink.dispatch(Event{
			Type:      EventRemoteCandidateReceived,
			CallID:    s.callID,
			session:   s,
			Candidate: c,
			Role:      remote,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s candidates of call %s: %w", remote, s.callID, err)
	}
	s.track(unsubscribe)
	return nil
}

func (s *Session) onRecord(record *internal_type.CallRecord) {
	if s.role == internal_type.RoleCaller && record.Answer != nil {
		s.sink.dispatch(Event{Type: EventRemoteAnswerReceived, CallID: s.callID, session: s, Record: record})
	}
	s.sink.dispatch(Event{Type: EventStatusChanged, CallID: s.callID, session: s, Record: record})
}

func (s *Session) startRingTimer(d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringTimer = time.AfterFunc(d, fire)
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:        s.state,
		CallID:       s.callID,
		Status:       s.status,
		Role:         s.role,
		PeerID:       s.peerID,
		PeerName:     s.peerName,
		RemoteTracks: append([]internal_media.RemoteTrack(nil), s.remoteTracks...),
		MicEnabled:   s.micEnabled,
		SpeakerOn:    s.speakerOn,
	}
	if s.stream != nil {
		snap.LocalStreamID = s.stream.ID()
		snap.Facing = s.stream.Facing()
	}
	return snap
}
