// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

// ============================================================================
// Engine
// ============================================================================

// Permissions gates device access the way an OS permission prompt would.
type Permissions struct {
	Camera     bool
	Microphone bool
}

// PionOptions configures the pion engine.
type PionOptions struct {
	Permissions         Permissions
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// RemoteSink receives every RTP packet read from remote tracks. Packets
	// are drained and discarded when nil.
	RemoteSink func(track RemoteTrack, pkt *rtp.Packet)
}

// PionEngine runs peer connections with pion/webrtc. Local tracks are static
// tracks fed by the capture pipeline through WriteSample / WriteRTP.
type PionEngine struct {
	logger  commons.Logger
	options PionOptions
	api     *pionwebrtc.API

	speakerphone atomic.Bool
}

func NewPionEngine(logger commons.Logger, options PionOptions) (*PionEngine, error) {
	mediaEngine := &pionwebrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	// default interceptors add NACK, RTCP reports and TWCC
	registry := &interceptor.Registry{}
	if err := pionwebrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := pionwebrtc.SettingEngine{}
	if options.DisconnectedTimeout > 0 && options.FailedTimeout > 0 {
		keepAlive := options.KeepAliveInterval
		if keepAlive <= 0 {
			keepAlive = 2 * time.Second
		}
		settingEngine.SetICETimeouts(options.DisconnectedTimeout, options.FailedTimeout, keepAlive)
	}

	return &PionEngine{
		logger:  logger,
		options: options,
		api: pionwebrtc.NewAPI(
			pionwebrtc.WithMediaEngine(mediaEngine),
			pionwebrtc.WithInterceptorRegistry(registry),
			pionwebrtc.WithSettingEngine(settingEngine),
		),
	}, nil
}

func (e *PionEngine) CheckPermissions(c Constraints) error {
	if !c.Audio && !c.Video {
		return ErrInvalidConstraint
	}
	if c.Audio && !e.options.Permissions.Microphone {
		return fmt.Errorf("%w: microphone", ErrPermissionDenied)
	}
	if c.Video && !e.options.Permissions.Camera {
		return fmt.Errorf("%w: camera", ErrPermissionDenied)
	}
	return nil
}

func (e *PionEngine) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := e.CheckPermissions(c); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	facing := c.Facing
	if facing == "" {
		facing = FacingUser
	}

	streamID := "stream-" + uuid.NewString()
	stream := NewStream(streamID, facing)
	if c.Audio {
		local, err := pionwebrtc.NewTrackLocalStaticSample(
			pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		stream.AddTrack(newPionTrack(TrackKindAudio, local))
	}
	if c.Video {
		local, err := pionwebrtc.NewTrackLocalStaticRTP(
			pionwebrtc.RTPCodecCapability{MimeType: pionwebrtc.MimeTypeVP8, ClockRate: 90000},
			"video-"+string(facing)+"-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.AddTrack(newPionTrack(TrackKindVideo, local))
	}
	e.logger.Debugw("acquired local media", "stream", streamID, "audio", c.Audio, "video", c.Video, "facing", facing, "width", c.Width, "height", c.Height)
	return stream, nil
}

func (e *PionEngine) NewPeerConnection(cfg Configuration) (PeerConnection, error) {
	iceServers := make([]pionwebrtc.ICEServer, len(cfg.ICEServers))
	for i, srv := range cfg.ICEServers {
		iceServers[i] = pionwebrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		}
	}
	pcConfig := pionwebrtc.Configuration{ICEServers: iceServers}
	if cfg.ICETransportPolicy == "relay" {
		pcConfig.ICETransportPolicy = pionwebrtc.ICETransportPolicyRelay
	}

	pc, err := e.api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: e.logger, sink: e.options.RemoteSink}, nil
}

// SetSpeakerphone records the playback route for the audio output stage.
func (e *PionEngine) SetSpeakerphone(on bool) error {
	e.speakerphone.Store(on)
	return nil
}

func (e *PionEngine) Speakerphone() bool {
	return e.speakerphone.Load()
}

// ============================================================================
// Local tracks
// ============================================================================

type pionTrack struct {
	kind    TrackKind
	local   pionwebrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
}

func newPionTrack(kind TrackKind, local pionwebrtc.TrackLocal) *pionTrack {
	t := &pionTrack{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

func (t *pionTrack) ID() string              { return t.local.ID() }
func (t *pionTrack) Kind() TrackKind         { return t.kind }
func (t *pionTrack) Enabled() bool           { return t.enabled.Load() }
func (t *pionTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *pionTrack) Stop()                   { t.stopped.Store(true) }
func (t *pionTrack) Stopped() bool           { return t.stopped.Load() }

// WriteSample feeds an encoded audio frame. Frames are dropped while the track
// is disabled or stopped.
func (t *pionTrack) WriteSample(sample media.Sample) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	track, ok := t.local.(*pionwebrtc.TrackLocalStaticSample)
	if !ok {
		return fmt.Errorf("%w: %s track takes samples", ErrUnsupportedTrack, t.kind)
	}
	return track.WriteSample(sample)
}

// WriteRTP feeds a packetized video frame. Packets are dropped while the track
// is disabled or stopped.
func (t *pionTrack) WriteRTP(pkt *rtp.Packet) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	track, ok := t.local.(*pionwebrtc.TrackLocalStaticRTP)
	if !ok {
		return fmt.Errorf("%w: %s track takes rtp", ErrUnsupportedTrack, t.kind)
	}
	return track.WriteRTP(pkt)
}

// ============================================================================
// Peer connection
// ============================================================================

type pionPeer struct {
	pc     *pionwebrtc.PeerConnection
	logger commons.Logger
	sink   func(track RemoteTrack, pkt *rtp.Packet)

	mu     sync.Mutex
	closed bool
}

func (p *pionPeer) AddStream(stream *Stream) error {
	for _, t := range stream.Tracks() {
		pt, ok := t.(*pionTrack)
		if !ok {
			return ErrUnsupportedTrack
		}
		if _, err := p.pc.AddTrack(pt.local); err != nil {
			return fmt.Errorf("failed to add %s track: %w", pt.kind, err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (internal_type.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return internal_type.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return internal_type.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return fromPionDescription(offer), nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (internal_type.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return internal_type.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return internal_type.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return fromPionDescription(answer), nil
}

func (p *pionPeer) SetLocalDescription(desc internal_type.SessionDescription) error {
	return p.pc.SetLocalDescription(toPionDescription(desc))
}

func (p *pionPeer) SetRemoteDescription(desc internal_type.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPionDescription(desc))
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) AddICECandidate(candidate internal_type.ICECandidate) error {
	return p.pc.AddICECandidate(pionwebrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (p *pionPeer) OnICECandidate(fn func(internal_type.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pionwebrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		cJSON := c.ToJSON()
		fn(internal_type.ICECandidate{
			Candidate:        cJSON.Candidate,
			SDPMid:           cJSON.SDPMid,
			SDPMLineIndex:    cJSON.SDPMLineIndex,
			UsernameFragment: cJSON.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *pionwebrtc.TrackRemote, _ *pionwebrtc.RTPReceiver) {
		remote := RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: TrackKind(track.Kind().String())}
		p.logger.Infow("remote track received", "track", remote.ID, "kind", remote.Kind, "codec", track.Codec().MimeType)
		go p.drain(track, remote)
		fn(remote)
	})
}

// drain reads the remote track until it ends so the interceptors keep flowing.
func (p *pionPeer) drain(track *pionwebrtc.TrackRemote, remote RemoteTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read stopped", "track", remote.ID, "error", err)
			}
			return
		}
		if p.sink != nil {
			p.sink(remote, pkt)
		}
	}
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pionwebrtc.PeerConnectionState) {
		fn(ConnectionState(state.String()))
	})
}

func (p *pionPeer) Senders() []Sender {
	var out []Sender
	for _, s := range p.pc.GetSenders() {
		track := s.Track()
		if track == nil {
			continue
		}
		out = append(out, &pionSender{sender: s, kind: TrackKind(track.Kind().String())})
	}
	return out
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

type pionSender struct {
	sender *pionwebrtc.RTPSender
	kind   TrackKind
}

func (s *pionSender) Kind() TrackKind { return s.kind }

func (s *pionSender) ReplaceTrack(t Track) error {
	pt, ok := t.(*pionTrack)
	if !ok {
		return ErrUnsupportedTrack
	}
	return s.sender.ReplaceTrack(pt.local)
}

func toPionDescription(desc internal_type.SessionDescription) pionwebrtc.SessionDescription {
	return pionwebrtc.SessionDescription{Type: pionwebrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPionDescription(desc pionwebrtc.SessionDescription) internal_type.SessionDescription {
	return internal_type.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
