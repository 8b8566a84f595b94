// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

// State is the local lifecycle of a call as seen by this participant.
type State string

const (
	StateIdle            State = "idle"
	StateRingingOutgoing State = "ringing_outgoing"
	StateRingingIncoming State = "ringing_incoming"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDeclined        State = "declined"
	StateEnded           State = "ended"
)

func (s State) String() string { return string(s) }

// NoticeKind classifies informational messages about remote-driven endings.
type NoticeKind string

const (
	NoticeDeclined         NoticeKind = "declined"
	NoticeEnded            NoticeKind = "ended"
	NoticeNoAnswer         NoticeKind = "no_answer"
	NoticeConnectionFailed NoticeKind = "connection_failed"
)

type Notice struct {
	Kind    NoticeKind `json:"kind"`
	CallID  string     `json:"callId"`
	Message string     `json:"message"`
}

func noticeFor(kind NoticeKind, callID string) *Notice {
	n := &Notice{Kind: kind, CallID: callID}
	switch kind {
	case NoticeDeclined:
		n.Message = "Call declined"
	case NoticeEnded:
		n.Message = "Call ended"
	case NoticeNoAnswer:
		n.Message = "No answer"
	case NoticeConnectionFailed:
		n.Message = "Connection lost"
	}
	return n
}

// Snapshot is everything the upper layer needs to render the call.
type Snapshot struct {
	State         State                        `json:"state"`
	CallID        string                       `json:"callId,omitempty"`
	Status        internal_type.CallStatus     `json:"status,omitempty"`
	Role          internal_type.Role           `json:"role,omitempty"`
	PeerID        string                       `json:"peerId,omitempty"`
	PeerName      string                       `json:"peerName,omitempty"`
	LocalStreamID string                       `json:"localStreamId,omitempty"`
	RemoteTracks  []internal_media.RemoteTrack `json:"remoteTracks,omitempty"`
	MicEnabled    bool                         `json:"micEnabled"`
	SpeakerOn     bool                         `json:"speakerOn"`
	Facing        internal_media.CameraFacing  `json:"facing,omitempty"`
	Invitation    *internal_type.Invitation    `json:"invitation"`
}

type UpdateKind string

const (
	UpdateState      UpdateKind = "state"
	UpdateNotice     UpdateKind = "notice"
	UpdateInvitation UpdateKind = "invitation"
)

// Update is pushed to subscribers on every observable change.
type Update struct {
	Kind       UpdateKind                `json:"kind"`
	Snapshot   *Snapshot                 `json:"snapshot,omitempty"`
	Notice     *Notice                   `json:"notice,omitempty"`
	Invitation *internal_type.Invitation `json:"invitation,omitempty"`
}
