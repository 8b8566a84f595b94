// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	internal_signaling "github.com/rapidaai/memorykeeper/api/call-api/internal/signaling"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

var ErrWatcherClosed = errors.New("incoming call watcher closed")

const listenerBufferSize = 8

// Watcher keeps exactly one ringing-calls subscription for the local identity
// and exposes at most one pending invitation.
type Watcher struct {
	channel internal_signaling.Channel
	logger  commons.Logger

	mu          sync.Mutex
	closed      bool
	identity    string
	generation  uint64
	unsubscribe internal_signaling.Unsubscribe
	current     *internal_type.Invitation
	dismissed   map[string]struct{}
	listeners   map[chan *internal_type.Invitation]struct{}
}

func New(channel internal_signaling.Channel, logger commons.Logger) *Watcher {
	return &Watcher{
		channel:   channel,
		logger:    logger,
		dismissed: make(map[string]struct{}),
		listeners: make(map[chan *internal_type.Invitation]struct{}),
	}
}

// SetIdentity tears down the subscription of the previous identity before
// subscribing for userID. An empty userID only tears down.
func (w *Watcher) SetIdentity(ctx context.Context, userID string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	if userID == w.identity && (userID == "" || w.unsubscribe != nil) {
		w.mu.Unlock()
		return nil
	}
	prev := w.unsubscribe
	w.unsubscribe = nil
	w.generation++
	gen := w.generation
	w.identity = userID
	cleared := w.current != nil
	w.current = nil
	w.dismissed = make(map[string]struct{})
	w.mu.Unlock()

	if prev != nil {
		prev()
	}
	if cleared {
		w.notify(nil)
	}
	if userID == "" {
		w.logger.Debugw("incoming call watcher stopped")
		return nil
	}

	unsubscribe, err := w.channel.WatchRinging(ctx, userID, func(records []*internal_type.CallRecord) {
		w.onSnapshot(gen, records)
	})
	if err != nil {
		w.mu.Lock()
		if w.generation == gen {
			w.identity = ""
		}
		w.mu.Unlock()
		return fmt.Errorf("failed to watch incoming calls for %s: %w", userID, err)
	}

	w.mu.Lock()
	if w.generation != gen || w.closed {
		w.mu.Unlock()
		unsubscribe()
		return nil
	}
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
	w.logger.Infow("incoming call watcher subscribed", "userId", userID)
	return nil
}

func (w *Watcher) onSnapshot(gen uint64, records []*internal_type.CallRecord) {
	w.mu.Lock()
	if gen != w.generation || w.closed {
		w.mu.Unlock()
		return
	}
	present := make(map[string]struct{}, len(records))
	for _, r := range records {
		present[r.ID] = struct{}{}
	}
	for id := range w.dismissed {
		if _, ok := present[id]; !ok {
			delete(w.dismissed, id)
		}
	}

	var next *internal_type.Invitation
	if len(records) > 0 {
		if _, dismissed := w.dismissed[records[0].ID]; !dismissed {
			next = internal_type.InvitationFromRecord(records[0])
		}
	}
	changed := !sameInvitation(w.current, next)
	w.current = next
	w.mu.Unlock()

	if changed {
		if next != nil {
			w.logger.Infow("incoming call", "callId", next.CallID, "callerId", next.CallerID)
		}
		w.notify(next)
	}
}

// Current returns a copy of the pending invitation, or nil.
func (w *Watcher) Current() *internal_type.Invitation {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	inv := *w.current
	return &inv
}

// Identity is the user the watcher is subscribed for.
func (w *Watcher) Identity() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.identity
}

// Dismiss clears the invitation locally without waiting for the record change
// to come back through the subscription.
func (w *Watcher) Dismiss(callID string) {
	w.mu.Lock()
	w.dismissed[callID] = struct{}{}
	cleared := w.current != nil && w.current.CallID == callID
	if cleared {
		w.current = nil
	}
	w.mu.Unlock()
	if cleared {
		w.notify(nil)
	}
}

// Subscribe streams invitation changes; nil means the invitation cleared.
func (w *Watcher) Subscribe() (<-chan *internal_type.Invitation, func()) {
	ch := make(chan *internal_type.Invitation, listenerBufferSize)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	w.listeners[ch] = struct{}{}
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			if _, ok := w.listeners[ch]; ok {
				delete(w.listeners, ch)
				close(ch)
			}
			w.mu.Unlock()
		})
	}
}

func (w *Watcher) notify(inv *internal_type.Invitation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.listeners {
		var v *internal_type.Invitation
		if inv != nil {
			c := *inv
			v = &c
		}
		select {
		case ch <- v:
		default:
			w.logger.Warnw("invitation listener full, dropping update")
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.generation++
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.current = nil
	for ch := range w.listeners {
		close(ch)
	}
	w.listeners = make(map[chan *internal_type.Invitation]struct{})
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func sameInvitation(a, b *internal_type.Invitation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
