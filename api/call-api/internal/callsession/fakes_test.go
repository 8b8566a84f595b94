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
	"testing"

	"github.com/stretchr/testify/require"

	internal_history "github.com/rapidaai/memorykeeper/api/call-api/internal/history"
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

var errNoRemoteDescription = errors.New("remote description not set")

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Level("error"))
	require.NoError(t, err)
	return logger
}

type fakeTrack struct {
	id   string
	kind internal_media.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string                     { return t.id }
func (t *fakeTrack) Kind() internal_media.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeSender struct {
	kind internal_media.TrackKind

	mu    sync.Mutex
	track internal_media.Track
	err   error
}

func (s *fakeSender) Kind() internal_media.TrackKind { return s.kind }

func (s *fakeSender) ReplaceTrack(t internal_media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.track = t
	return nil
}

func (s *fakeSender) current() internal_media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakePeer records everything the session does to it. AddICECandidate fails
// before a remote description is set, like a real ICE agent.
type fakePeer struct {
	id int

	mu          sync.Mutex
	local       *internal_type.SessionDescription
	remote      *internal_type.SessionDescription
	remoteSets  int
	applied     []internal_type.ICECandidate
	premature   int
	addErr      error
	remoteErr   error
	closed      bool
	closeCalls  int
	senders     []*fakeSender
	onCandidate func(internal_type.ICECandidate)
	onTrack     func(internal_media.RemoteTrack)
	onState     func(internal_media.ConnectionState)
}

func (p *fakePeer) AddStream(stream *internal_media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range stream.Tracks() {
		p.senders = append(p.senders, &fakeSender{kind: t.Kind(), track: t})
	}
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (internal_type.SessionDescription, error) {
	return internal_type.SessionDescription{Type: internal_type.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.id)}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (internal_type.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return internal_type.SessionDescription{}, errNoRemoteDescription
	}
	return internal_type.SessionDescription{Type: internal_type.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.id)}, nil
}

func (p *fakePeer) SetLocalDescription(desc internal_type.SessionDescription) error {
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc internal_type.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return internal_media.ErrConnectionClosed
	}
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddICECandidate(c internal_type.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return internal_media.ErrConnectionClosed
	}
	if p.remote == nil {
		p.premature++
		return errNoRemoteDescription
	}
	if p.addErr != nil {
		return p.addErr
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(internal_type.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(internal_media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(internal_media.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Senders() []internal_media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]internal_media.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCalls++
	return nil
}

func (p *fakePeer) discover(c internal_type.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) receiveTrack(t internal_media.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) changeState(s internal_media.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.applied))
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) failRemoteDescription(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteErr = err
}

func (p *fakePeer) stats() (remoteSets, premature int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets, p.premature, p.closed
}

func (p *fakePeer) videoSender() *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.senders {
		if s.kind == internal_media.TrackKindVideo {
			return s
		}
	}
	return nil
}

type fakeEngine struct {
	mu         sync.Mutex
	denied     error
	mediaErr   error
	captures   int
	streams    []*internal_media.Stream
	peers      []*fakePeer
	speaker    bool
	speakerErr error
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) CheckPermissions(internal_media.Constraints) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.denied
}

func (e *fakeEngine) GetUserMedia(_ context.Context, c internal_media.Constraints) (*internal_media.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captures++
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	e.nextID++
	var tracks []internal_media.Track
	if c.Audio {
		tracks = append(tracks, &fakeTrack{id: fmt.Sprintf("audio-%d", e.nextID), kind: internal_media.TrackKindAudio, enabled: true})
	}
	if c.Video {
		tracks = append(tracks, &fakeTrack{id: fmt.Sprintf("video-%d", e.nextID), kind: internal_media.TrackKindVideo, enabled: true})
	}
	stream := internal_media.NewStream(fmt.Sprintf("stream-%d", e.nextID), c.Facing, tracks...)
	e.streams = append(e.streams, stream)
	return stream, nil
}

func (e *fakeEngine) NewPeerConnection(internal_media.Configuration) (internal_media.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	p := &fakePeer{id: e.nextID}
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *fakeEngine) SetSpeakerphone(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speakerErr != nil {
		return e.speakerErr
	}
	e.speaker = on
	return nil
}

func (e *fakeEngine) lastPeer() *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

func (e *fakeEngine) peerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

func (e *fakeEngine) captureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.captures
}

func (e *fakeEngine) lastStream() *internal_media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streams) == 0 {
		return nil
	}
	return e.streams[len(e.streams)-1]
}

func (e *fakeEngine) setDenied(err error) {
	e.mu.Lock()
	e.denied = err
	e.mu.Unlock()
}

type memRecorder struct {
	mu      sync.Mutex
	entries []internal_history.Entry
}

func (r *memRecorder) Record(_ context.Context, entry internal_history.Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) notes(callID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.CallID == callID {
			out = append(out, e.Note)
		}
	}
	return out
}

func candidate(s string) internal_type.ICECandidate {
	return internal_type.ICECandidate{Candidate: s}
}

func allStopped(stream *internal_media.Stream) bool {
	for _, t := range stream.Tracks() {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
