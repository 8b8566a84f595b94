// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"fmt"

	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
)

func (s *Session) toggleMic() (bool, error) {
	s.mu.Lock()
	stream := s.stream
	if stream == nil {
		s.mu.Unlock()
		return false, ErrNoLocalMedia
	}
	s.micEnabled = !s.micEnabled
	enabled := s.micEnabled
	s.mu.Unlock()

	for _, t := range stream.AudioTracks() {
		t.SetEnabled(enabled)
	}
	return enabled, nil
}

func (s *Session) speaker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

func (s *Session) setSpeaker(on bool) {
	s.mu.Lock()
	s.speakerOn = on
	s.mu.Unlock()
}

// switchCamera captures the opposite camera and swaps it into the video
// sender. The old track is only released once the new one is sending.
func (s *Session) switchCamera(ctx context.Context, c internal_media.Constraints) (internal_media.CameraFacing, error) {
	stream := s.localStream()
	if stream == nil {
		return "", ErrNoLocalMedia
	}
	old := stream.VideoTracks()
	if len(old) == 0 {
		return "", internal_media.ErrNoVideoTrack
	}
	pc := s.peer()
	if pc == nil {
		return "", errNoPeerConnection
	}

	next := stream.Facing().Opposite()
	c.Audio = false
	c.Video = true
	c.Facing = next
	if err := s.engine.CheckPermissions(c); err != nil {
		return "", err
	}
	captured, err := s.engine.GetUserMedia(ctx, c)
	if err != nil {
		return "", fmt.Errorf("failed to capture %s camera: %w", next, err)
	}
	videos := captured.VideoTracks()
	if len(videos) == 0 {
		captured.Stop()
		return "", internal_media.ErrNoVideoTrack
	}
	fresh := videos[0]
	for _, t := range captured.Tracks() {
		if t != fresh {
			t.Stop()
		}
	}

	var sender internal_media.Sender
	for _, candidate := range pc.Senders() {
		if candidate.Kind() == internal_media.TrackKindVideo {
			sender = candidate
			break
		}
	}
	if sender == nil {
		fresh.Stop()
		return "", internal_media.ErrNoMatchingSender
	}
	if err := sender.ReplaceTrack(fresh); err != nil {
		fresh.Stop()
		return "", fmt.Errorf("failed to replace video track: %w", err)
	}

	for _, t := range old {
		t.Stop()
		stream.RemoveTrack(t)
	}
	stream.AddTrack(fresh)
	stream.SetFacing(next)
	s.logger.Infow("camera switched", "facing", string(next))
	return next, nil
}
