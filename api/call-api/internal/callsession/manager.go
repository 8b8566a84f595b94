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
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	internal_history "github.com/rapidaai/memorykeeper/api/call-api/internal/history"
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_signaling "github.com/rapidaai/memorykeeper/api/call-api/internal/signaling"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/utils"
)

const listenerBufferSize = 16

type Config struct {
	WebRTC          internal_media.Configuration
	VideoWidth      int
	VideoHeight     int
	DefaultFacing   internal_media.CameraFacing
	TeardownTimeout time.Duration
	// RingTimeout ends an unanswered outgoing call. Zero rings forever.
	RingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		WebRTC:          internal_media.DefaultConfiguration(),
		VideoWidth:      640,
		VideoHeight:     480,
		DefaultFacing:   internal_media.FacingUser,
		TeardownTimeout: 10 * time.Second,
	}
}

// InvitationSource surfaces the pending incoming call for the local identity.
type InvitationSource interface {
	SetIdentity(ctx context.Context, userID string) error
	Current() *internal_type.Invitation
	Dismiss(callID string)
	Subscribe() (<-chan *internal_type.Invitation, func())
}

// Recorder persists a human-readable row per call state change.
type Recorder interface {
	Record(ctx context.Context, entry internal_history.Entry) error
}

// Manager drives the call lifecycle of one local participant. User operations
// and record events are serialized by opMu; candidate events only take the
// candidate gate of their session so they keep flowing while an operation
// awaits the signaling channel.
type Manager struct {
	logger      commons.Logger
	channel     internal_signaling.Channel
	engine      internal_media.Engine
	invitations InvitationSource
	recorder    Recorder
	cfg         Config

	events     *mailbox
	candidates *mailbox
	done       chan struct{}

	opMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	identity  string
	session   *Session
	listeners map[chan Update]struct{}
}

func NewManager(
	logger commons.Logger,
	channel internal_signaling.Channel,
	engine internal_media.Engine,
	invitations InvitationSource,
	recorder Recorder,
	cfg Config,
) *Manager {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultConfig().TeardownTimeout
	}
	if cfg.DefaultFacing == "" {
		cfg.DefaultFacing = internal_media.FacingUser
	}
	return &Manager{
		logger:      logger,
		channel:     channel,
		engine:      engine,
		invitations: invitations,
		recorder:    recorder,
		cfg:         cfg,
		events:      newMailbox(),
		candidates:  newMailbox(),
		done:        make(chan struct{}),
		listeners:   make(map[chan Update]struct{}),
	}
}

// ============================================================================
// Event loop
// ============================================================================

// Run processes events until ctx is cancelled or the manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	updates, cancel := m.invitations.Subscribe()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-m.done:
				return nil
			case inv, ok := <-updates:
				if !ok {
					return nil
				}
				m.events.push(Event{Type: EventInvitationChanged, Invitation: inv})
			}
		}
	})
	g.Go(func() error {
		m.drain(gctx, m.events, m.handleEvent)
		return nil
	})
	g.Go(func() error {
		m.drain(gctx, m.candidates, m.handleCandidate)
		return nil
	})
	return g.Wait()
}

func (m *Manager) drain(ctx context.Context, box *mailbox, handle func(context.Context, Event)) {
	for {
		ev, ok := box.pop(ctx)
		if !ok {
			return
		}
		m.safely(ev, func() { handle(ctx, ev) })
	}
}

func (m *Manager) safely(ev Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("call event handler panicked", "event", ev.Type.String(), "callId", ev.CallID, "panic", r)
		}
	}()
	fn()
}

func (m *Manager) dispatch(ev Event) {
	if ev.Type == EventRemoteCandidateReceived {
		m.candidates.push(ev)
		return
	}
	m.events.push(ev)
}

func (m *Manager) handleCandidate(_ context.Context, ev Event) {
	if ev.session == nil {
		return
	}
	ev.session.ingestRemoteCandidate(ev.Candidate, ev.Role)
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	if ev.Type == EventInvitationChanged {
		m.publish(Update{Kind: UpdateInvitation, Invitation: ev.Invitation})
		m.publishState()
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil || s != ev.session {
		m.logger.Debugw("dropping event for inactive call", "event", ev.Type.String(), "callId", ev.CallID)
		return
	}

	switch ev.Type {
	case EventRemoteAnswerReceived:
		m.onRemoteAnswer(ctx, s, ev.Record)
	case EventStatusChanged:
		m.onStatusChanged(ctx, s, ev.Record)
	case EventRemoteTrackReceived:
		m.onRemoteTrack(ctx, s, ev.Track)
	case EventConnectionStateChanged:
		m.onConnectionState(ctx, s, ev.ConnectionState)
	case EventRingTimeout:
		m.onRingTimeout(ctx, s)
	}
}

func (m *Manager) onRemoteAnswer(ctx context.Context, s *Session, record *internal_type.CallRecord) {
	if record == nil || record.Answer == nil {
		return
	}
	applied, err := s.applyRemoteAnswer(*record.Answer)
	if err != nil {
		s.logger.Errorw("failed to apply remote answer", "error", err)
		if werr := m.writeStatus(ctx, s.callID, internal_type.CallStatusEnded); werr != nil && !ignorableWriteError(werr) {
			s.logger.Warnw("failed to end call after answer failure", "error", werr)
		}
		m.finish(ctx, s, StateEnded, internal_type.CallStatusEnded.String(), noticeFor(NoticeConnectionFailed, s.callID))
		return
	}
	if !applied {
		return
	}
	s.stopRingTimer()
	s.advanceStatus(internal_type.CallStatusAccepted)
	if s.State() == StateRingingOutgoing {
		s.setState(StateConnecting)
	}
	m.record(ctx, s, internal_type.CallStatusAccepted.String(), "Call accepted", false)
	m.publishState()
}

func (m *Manager) onStatusChanged(ctx context.Context, s *Session, record *internal_type.CallRecord) {
	if record == nil {
		return
	}
	switch record.Status {
	case internal_type.CallStatusDeclined:
		m.finish(ctx, s, StateDeclined, record.Status.String(), noticeFor(NoticeDeclined, s.callID))
	case internal_type.CallStatusEnded:
		m.finish(ctx, s, StateEnded, record.Status.String(), noticeFor(NoticeEnded, s.callID))
	default:
		if s.advanceStatus(record.Status) {
			m.publishState()
		}
	}
}

func (m *Manager) onRemoteTrack(ctx context.Context, s *Session, t internal_media.RemoteTrack) {
	if !s.addRemoteTrack(t) {
		return
	}
	s.logger.Debugw("remote track received", "trackId", t.ID, "kind", string(t.Kind))
	if s.State() == StateConnecting {
		s.setState(StateConnected)
		m.record(ctx, s, string(StateConnected), "Call connected", false)
	}
	m.publishState()
}

func (m *Manager) onConnectionState(ctx context.Context, s *Session, state internal_media.ConnectionState) {
	s.logger.Debugw("peer connection state", "state", string(state))
	if state != internal_media.ConnectionStateFailed {
		return
	}
	if err := m.writeStatus(ctx, s.callID, internal_type.CallStatusEnded); err != nil && !ignorableWriteError(err) {
		s.logger.Warnw("failed to end call after connection failure", "error", err)
	}
	m.finish(ctx, s, StateEnded, internal_type.CallStatusEnded.String(), noticeFor(NoticeConnectionFailed, s.callID))
}

func (m *Manager) onRingTimeout(ctx context.Context, s *Session) {
	if s.State() != StateRingingOutgoing {
		return
	}
	err := m.writeStatus(ctx, s.callID, internal_type.CallStatusEnded)
	if errors.Is(err, internal_type.ErrInvalidTransition) {
		// answered or ended meanwhile, the record event takes it from here
		return
	}
	if err != nil {
		s.logger.Warnw("failed to end unanswered call", "error", err)
	}
	m.finish(ctx, s, StateEnded, "no_answer", noticeFor(NoticeNoAnswer, s.callID))
}

// finish moves s to a terminal state, tears it down and returns to idle.
func (m *Manager) finish(ctx context.Context, s *Session, state State, status string, notice *Notice) {
	s.setState(state)
	note := "Call ended"
	if notice != nil {
		note = notice.Message
	}
	m.record(ctx, s, status, note, true)
	m.teardown(ctx, s)
	if notice != nil {
		m.publish(Update{Kind: UpdateNotice, Notice: notice})
	}
	m.publishState()
}

func (m *Manager) teardown(ctx context.Context, s *Session) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TeardownTimeout)
	defer cancel()
	_ = s.teardown(tctx)

	m.mu.Lock()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()
}

// ============================================================================
// Operations
// ============================================================================

// SetIdentity switches the local user. A change of user ends the active call
// and moves the incoming call subscription to the new identity.
func (m *Manager) SetIdentity(ctx context.Context, userID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	prev := m.identity
	m.mu.Unlock()

	if prev != userID {
		if err := m.endLocked(ctx); err != nil {
			m.logger.Warnw("failed to end call on identity change", "error", err)
		}
	}
	if err := m.invitations.SetIdentity(ctx, userID); err != nil {
		return err
	}

	m.mu.Lock()
	m.identity = userID
	m.mu.Unlock()
	if prev != userID {
		m.logger.Infow("local identity changed", "from", prev, "to", userID)
	}
	m.publishState()
	return nil
}

func (m *Manager) ClearIdentity(ctx context.Context) error {
	return m.SetIdentity(ctx, "")
}

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// StartCall rings calleeID. Local media is acquired first; if that fails
// nothing else happens.
func (m *Manager) StartCall(ctx context.Context, calleeID, callerName string) (*Snapshot, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.ready()
	if err != nil {
		return nil, err
	}
	if utils.IsEmpty(calleeID) || calleeID == identity {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallee, calleeID)
	}
	stream, err := m.acquire(ctx, true, m.cfg.DefaultFacing)
	if err != nil {
		return nil, err
	}

	s := m.newSession(sessionParams{
		callID:   uuid.NewString(),
		role:     internal_type.RoleCaller,
		localID:  identity,
		peerID:   calleeID,
		peerName: calleeID,
	})
	s.setStream(stream)
	if err := s.watch(ctx); err != nil {
		m.abort(ctx, s)
		return nil, err
	}
	if _, err := s.createOffer(ctx, callerName); err != nil {
		m.abort(ctx, s)
		return nil, err
	}
	s.setState(StateRingingOutgoing)
	m.setSession(s)
	s.startRingTimer(m.cfg.RingTimeout, func() {
		m.events.push(Event{Type: EventRingTimeout, CallID: s.callID, session: s})
	})

	m.record(ctx, s, internal_type.CallStatusRinging.String(), "Calling", false)
	m.publishState()
	snap := m.Snapshot()
	return &snap, nil
}

// AcceptCall answers the pending invitation.
func (m *Manager) AcceptCall(ctx context.Context) (*Snapshot, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.ready()
	if err != nil {
		return nil, err
	}
	inv := m.invitations.Current()
	if inv == nil {
		return nil, ErrNoInvitation
	}
	stream, err := m.acquire(ctx, true, m.cfg.DefaultFacing)
	if err != nil {
		return nil, err
	}

	s := m.newSession(sessionParams{
		callID:   inv.CallID,
		role:     internal_type.RoleCallee,
		localID:  identity,
		peerID:   inv.CallerID,
		peerName: inv.CallerName,
	})
	s.setStream(stream)
	if err := s.watch(ctx); err != nil {
		m.abort(ctx, s)
		return nil, err
	}
	if _, err := s.applyRemoteOffer(ctx); err != nil {
		m.abort(ctx, s)
		return nil, err
	}
	if _, err := s.createAnswer(ctx); err != nil {
		m.abort(ctx, s)
		return nil, err
	}
	s.setState(StateConnecting)
	m.setSession(s)
	m.invitations.Dismiss(inv.CallID)

	m.record(ctx, s, internal_type.CallStatusAccepted.String(), "Call accepted", false)
	m.publishState()
	snap := m.Snapshot()
	return &snap, nil
}

// DeclineCall rejects the pending invitation without touching any media.
func (m *Manager) DeclineCall(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	identity, err := m.identityLocked()
	if err != nil {
		return err
	}
	inv := m.invitations.Current()
	if inv == nil {
		return ErrNoInvitation
	}
	err = m.writeStatus(ctx, inv.CallID, internal_type.CallStatusDeclined)
	if err != nil && !ignorableWriteError(err) {
		return fmt.Errorf("failed to decline call %s: %w", inv.CallID, err)
	}
	m.invitations.Dismiss(inv.CallID)

	if err == nil && m.recorder != nil {
		entry := internal_history.Entry{
			CallID:    inv.CallID,
			OwnerID:   identity,
			PeerID:    inv.CallerID,
			PeerName:  inv.CallerName,
			Direction: internal_history.DirectionIncoming,
			Status:    internal_type.CallStatusDeclined.String(),
			Note:      "Call declined",
			Ended:     true,
		}
		if rerr := m.recorder.Record(ctx, entry); rerr != nil {
			m.logger.Warnw("failed to record call log", "callId", inv.CallID, "error", rerr)
		}
	}
	m.logger.Infow("call declined", "callId", inv.CallID, "callerId", inv.CallerID)
	m.publishState()
	return nil
}

// EndCall hangs up the active call. Ending with no active call is a no-op.
// Local resources are released even when the status write fails.
func (m *Manager) EndCall(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.endLocked(ctx)
}

func (m *Manager) endLocked(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	note := "Call ended"
	if s.State() == StateRingingOutgoing {
		note = "Call cancelled"
	}

	var writeErr error
	if err := m.writeStatus(ctx, s.callID, internal_type.CallStatusEnded); err != nil && !ignorableWriteError(err) {
		writeErr = fmt.Errorf("failed to end call %s: %w", s.callID, err)
	}
	s.setState(StateEnded)
	m.record(ctx, s, internal_type.CallStatusEnded.String(), note, true)
	m.teardown(ctx, s)
	m.publishState()
	return writeErr
}

func (m *Manager) ToggleMic() (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil {
		return false, ErrNoActiveCall
	}
	enabled, err := s.toggleMic()
	if err != nil {
		return false, err
	}
	m.publishState()
	return enabled, nil
}

// ToggleSpeaker flips the speakerphone flag and forwards it to engines that
// route audio.
func (m *Manager) ToggleSpeaker() (bool, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil {
		return false, ErrNoActiveCall
	}
	on := !s.speaker()
	if router, ok := m.engine.(internal_media.AudioRouter); ok {
		if err := router.SetSpeakerphone(on); err != nil {
			return !on, fmt.Errorf("failed to route audio: %w", err)
		}
	}
	s.setSpeaker(on)
	m.publishState()
	return on, nil
}

func (m *Manager) SwitchCamera(ctx context.Context) (internal_media.CameraFacing, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	s := m.current()
	if s == nil {
		return "", ErrNoActiveCall
	}
	facing, err := s.switchCamera(ctx, m.constraints(false, ""))
	if err != nil {
		return "", err
	}
	m.publishState()
	return facing, nil
}

// Snapshot describes the local call. With no session but a pending
// invitation the state is ringing_incoming.
func (m *Manager) Snapshot() Snapshot {
	s := m.current()
	snap := Snapshot{State: StateIdle, MicEnabled: true}
	if s != nil {
		snap = s.snapshot()
	}
	inv := m.invitations.Current()
	snap.Invitation = inv
	if s == nil && inv != nil {
		snap.State = StateRingingIncoming
		snap.CallID = inv.CallID
		snap.Status = internal_type.CallStatusRinging
		snap.Role = internal_type.RoleCallee
		snap.PeerID = inv.CallerID
		snap.PeerName = inv.CallerName
	}
	return snap
}

// Subscribe streams updates. Slow subscribers miss updates rather than block
// the manager.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, listenerBufferSize)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.listeners[ch]; ok {
				delete(m.listeners, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Close ends the active call and stops the event loop.
func (m *Manager) Close(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.endLocked(ctx)

	m.mu.Lock()
	m.closed = true
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Update]struct{})
	m.mu.Unlock()

	m.events.close()
	m.candidates.close()
	close(m.done)
	return err
}

// ============================================================================
// Helpers
// ============================================================================

func (m *Manager) newSession(p sessionParams) *Session {
	return newSession(p, m.logger, m.channel, m.engine, m.cfg.WebRTC, m)
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) setSession(s *Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

func (m *Manager) identityLocked() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrManagerClosed
	}
	if m.identity == "" {
		return "", ErrNoIdentity
	}
	return m.identity, nil
}

// ready checks the preconditions shared by start and accept.
func (m *Manager) ready() (string, error) {
	identity, err := m.identityLocked()
	if err != nil {
		return "", err
	}
	if s := m.current(); s != nil {
		return "", fmt.Errorf("%w: %s", ErrCallInProgress, s.callID)
	}
	return identity, nil
}

func (m *Manager) constraints(audio bool, facing internal_media.CameraFacing) internal_media.Constraints {
	return internal_media.Constraints{
		Audio:  audio,
		Video:  true,
		Facing: facing,
		Width:  m.cfg.VideoWidth,
		Height: m.cfg.VideoHeight,
	}
}

// acquire checks permissions before capturing so a denial never leaves a
// half-open device behind.
func (m *Manager) acquire(ctx context.Context, audio bool, facing internal_media.CameraFacing) (*internal_media.Stream, error) {
	c := m.constraints(audio, facing)
	if err := m.engine.CheckPermissions(c); err != nil {
		return nil, err
	}
	stream, err := m.engine.GetUserMedia(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire local media: %w", err)
	}
	return stream, nil
}

// abort releases a session that never became the active one. The call record
// is left as it was, so the remote side's candidates survive for a retry.
func (m *Manager) abort(ctx context.Context, s *Session) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TeardownTimeout)
	defer cancel()
	_ = s.release(tctx)
}

func (m *Manager) writeStatus(ctx context.Context, callID string, status internal_type.CallStatus) error {
	update := internal_type.CallUpdate{Status: &status}
	if status.IsTerminal() {
		now := time.Now().UTC()
		update.EndedAt = &now
	}
	_, err := m.channel.UpdateCall(ctx, callID, update)
	return err
}

// ignorableWriteError reports whether a terminal write failed only because the
// record already moved on or is gone.
func ignorableWriteError(err error) bool {
	return errors.Is(err, internal_type.ErrInvalidTransition) || errors.Is(err, internal_type.ErrCallNotFound)
}

func (m *Manager) record(ctx context.Context, s *Session, status, note string, ended bool) {
	if m.recorder == nil {
		return
	}
	direction := internal_history.DirectionOutgoing
	if s.role == internal_type.RoleCallee {
		direction = internal_history.DirectionIncoming
	}
	entry := internal_history.Entry{
		CallID:    s.callID,
		OwnerID:   s.localID,
		PeerID:    s.peerID,
		PeerName:  s.peerName,
		Direction: direction,
		Status:    status,
		Note:      note,
		Ended:     ended,
	}
	if err := m.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warnw("failed to record call log", "status", status, "error", err)
	}
}

func (m *Manager) publishState() {
	snap := m.Snapshot()
	m.publish(Update{Kind: UpdateState, Snapshot: &snap})
}

func (m *Manager) publish(u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- u:
		default:
			m.logger.Warnw("call update listener full, dropping update", "kind", string(u.Kind))
		}
	}
}
