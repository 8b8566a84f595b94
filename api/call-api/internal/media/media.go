// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_media

import (
	"context"
	"errors"
	"sync"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrUnsupportedTrack  = errors.New("track does not belong to this engine")
	ErrConnectionClosed  = errors.New("peer connection closed")
	ErrNoMatchingSender  = errors.New("no sender for track kind")
	ErrNoVideoTrack      = errors.New("stream has no video track")
	ErrInvalidConstraint = errors.New("constraints request no media")
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

type CameraFacing string

const (
	FacingUser        CameraFacing = "user"
	FacingEnvironment CameraFacing = "environment"
)

func (f CameraFacing) Opposite() CameraFacing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Constraints describe what GetUserMedia should capture.
type Constraints struct {
	Audio  bool
	Video  bool
	Facing CameraFacing
	Width  int
	Height int
}

// Track is a local capture track.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// Stream is an ordered set of local tracks sharing one stream id.
type Stream struct {
	id     string
	facing CameraFacing

	mu     sync.Mutex
	tracks []Track
}

func NewStream(id string, facing CameraFacing, tracks ...Track) *Stream {
	return &Stream{id: id, facing: facing, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Facing() CameraFacing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

func (s *Stream) SetFacing(f CameraFacing) {
	s.mu.Lock()
	s.facing = f
	s.mu.Unlock()
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) tracksOf(kind TrackKind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.tracksOf(TrackKindAudio) }

func (s *Stream) VideoTracks() []Track { return s.tracksOf(TrackKindVideo) }

func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) RemoveTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteTrack identifies media arriving from the peer.
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Kind     TrackKind `json:"kind"`
}

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Sender is an outgoing RTP sender of a peer connection.
type Sender interface {
	Kind() TrackKind
	ReplaceTrack(t Track) error
}

// PeerConnection is the subset of a WebRTC peer connection the call session drives.
type PeerConnection interface {
	AddStream(stream *Stream) error
	CreateOffer(ctx context.Context) (internal_type.SessionDescription, error)
	CreateAnswer(ctx context.Context) (internal_type.SessionDescription, error)
	SetLocalDescription(desc internal_type.SessionDescription) error
	SetRemoteDescription(desc internal_type.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate internal_type.ICECandidate) error
	OnICECandidate(fn func(internal_type.ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(ConnectionState))
	Senders() []Sender
	Close() error
}

// ICEServer is a STUN/TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Configuration holds per peer connection settings.
type Configuration struct {
	ICEServers         []ICEServer
	ICETransportPolicy string // "all" or "relay"
}

func DefaultConfiguration() Configuration {
	return Configuration{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICETransportPolicy: "all",
	}
}

// Engine captures local media and creates peer connections.
type Engine interface {
	CheckPermissions(c Constraints) error
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	NewPeerConnection(cfg Configuration) (PeerConnection, error)
}

// AudioRouter is implemented by engines that can route playback to the loudspeaker.
type AudioRouter interface {
	SetSpeakerphone(on bool) error
}
