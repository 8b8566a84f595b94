// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"context"
	"sync"

	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

type EventType int

const (
	EventRemoteAnswerReceived EventType = iota + 1
	EventRemoteCandidateReceived
	EventStatusChanged
	EventRemoteTrackReceived
	EventConnectionStateChanged
	EventRingTimeout
	EventInvitationChanged
)

func (t EventType) String() string {
	switch t {
	case EventRemoteAnswerReceived:
		return "remote_answer_received"
	case EventRemoteCandidateReceived:
		return "remote_candidate_received"
	case EventStatusChanged:
		return "status_changed"
	case EventRemoteTrackReceived:
		return "remote_track_received"
	case EventConnectionStateChanged:
		return "connection_state_changed"
	case EventRingTimeout:
		return "ring_timeout"
	case EventInvitationChanged:
		return "invitation_changed"
	}
	return "unknown"
}

// Event is a subscription callback turned into a message for the manager.
type Event struct {
	Type    EventType
	CallID  string
	session *Session

	Record          *internal_type.CallRecord
	Candidate       internal_type.ICECandidate
	Role            internal_type.Role
	Track           internal_media.RemoteTrack
	ConnectionState internal_media.ConnectionState
	Invitation      *internal_type.Invitation
}

// mailbox is an unbounded FIFO of events. push never blocks the producer,
// which is usually a signaling or media callback.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(e Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an event is queued, the mailbox is closed or ctx is done.
func (m *mailbox) pop(ctx context.Context) (Event, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e, true
		}
		if m.closed {
			m.mu.Unlock()
			return Event{}, false
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-m.signal:
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
