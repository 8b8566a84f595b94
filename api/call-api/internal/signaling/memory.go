// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

type candidateKey struct {
	callID string
	role   internal_type.Role
}

// MemoryChannel is an in-process Channel. Two call sessions in the same process
// can negotiate through it, which is what local development and the scenario
// tests do.
type MemoryChannel struct {
	logger commons.Logger

	mu         sync.Mutex
	closed     bool
	calls      map[string]*internal_type.CallRecord
	candidates map[candidateKey][]internal_type.ICECandidate

	nextSub  int
	callSubs map[string]map[int]*dispatcher
	ringSubs map[string]map[int]*dispatcher
	candSubs map[candidateKey]map[int]*dispatcher

	ringHandlers map[int]func([]*internal_type.CallRecord)
	callHandlers map[int]func(*internal_type.CallRecord)
	candHandlers map[int]func(internal_type.ICECandidate)
}

func NewMemoryChannel(logger commons.Logger) *MemoryChannel {
	return &MemoryChannel{
		logger:       logger,
		calls:        make(map[string]*internal_type.CallRecord),
		candidates:   make(map[candidateKey][]internal_type.ICECandidate),
		callSubs:     make(map[string]map[int]*dispatcher),
		ringSubs:     make(map[string]map[int]*dispatcher),
		candSubs:     make(map[candidateKey]map[int]*dispatcher),
		ringHandlers: make(map[int]func([]*internal_type.CallRecord)),
		callHandlers: make(map[int]func(*internal_type.CallRecord)),
		candHandlers: make(map[int]func(internal_type.ICECandidate)),
	}
}

func (m *MemoryChannel) CreateCall(ctx context.Context, record *internal_type.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	m.calls[record.ID] = record.Clone()
	m.notifyCallLocked(record.ID)
	m.notifyRingingLocked(record.CalleeID)
	return nil
}

func (m *MemoryChannel) GetCall(ctx context.Context, callID string) (*internal_type.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	rec, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", internal_type.ErrCallNotFound, callID)
	}
	return rec.Clone(), nil
}

func (m *MemoryChannel) UpdateCall(ctx context.Context, callID string, update internal_type.CallUpdate) (*internal_type.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	rec, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", internal_type.ErrCallNotFound, callID)
	}
	next, err := update.Apply(rec)
	if err != nil {
		return nil, err
	}
	m.calls[callID] = next
	m.notifyCallLocked(callID)
	m.notifyRingingLocked(next.CalleeID)
	return next.Clone(), nil
}

func (m *MemoryChannel) WatchCall(ctx context.Context, callID string, fn func(*internal_type.CallRecord)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	id, d := m.subscribeLocked("call:" + callID)
	if m.callSubs[callID] == nil {
		m.callSubs[callID] = make(map[int]*dispatcher)
	}
	m.callSubs[callID][id] = d
	m.callHandlers[id] = fn
	if rec, ok := m.calls[callID]; ok {
		snapshot := rec.Clone()
		d.push(func() { fn(snapshot) })
	}
	return m.unsubscriber(id, d, func() {
		delete(m.callSubs[callID], id)
		delete(m.callHandlers, id)
	}), nil
}

func (m *MemoryChannel) WatchRinging(ctx context.Context, calleeID string, fn func([]*internal_type.CallRecord)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	id, d := m.subscribeLocked("ringing:" + calleeID)
	if m.ringSubs[calleeID] == nil {
		m.ringSubs[calleeID] = make(map[int]*dispatcher)
	}
	m.ringSubs[calleeID][id] = d
	m.ringHandlers[id] = fn
	snapshot := m.ringingLocked(calleeID)
	d.push(func() { fn(snapshot) })
	return m.unsubscriber(id, d, func() {
		delete(m.ringSubs[calleeID], id)
		delete(m.ringHandlers, id)
	}), nil
}

func (m *MemoryChannel) AddCandidate(ctx context.Context, callID string, role internal_type.Role, candidate internal_type.ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	key := candidateKey{callID: callID, role: role}
	m.candidates[key] = append(m.candidates[key], candidate)
	for id, d := range m.candSubs[key] {
		fn := m.candHandlers[id]
		d.push(func() { fn(candidate) })
	}
	return nil
}

func (m *MemoryChannel) WatchCandidates(ctx context.Context, callID string, role internal_type.Role, fn func(internal_type.ICECandidate)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrChannelClosed
	}
	key := candidateKey{callID: callID, role: role}
	id, d := m.subscribeLocked("candidates:" + callID + ":" + role.String())
	if m.candSubs[key] == nil {
		m.candSubs[key] = make(map[int]*dispatcher)
	}
	m.candSubs[key][id] = d
	m.candHandlers[id] = fn
	for _, c := range m.candidates[key] {
		candidate := c
		d.push(func() { fn(candidate) })
	}
	return m.unsubscriber(id, d, func() {
		delete(m.candSubs[key], id)
		delete(m.candHandlers, id)
	}), nil
}

func (m *MemoryChannel) PurgeCandidates(ctx context.Context, callID string, role internal_type.Role) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrChannelClosed
	}
	key := candidateKey{callID: callID, role: role}
	n := len(m.candidates[key])
	delete(m.candidates, key)
	return n, nil
}

// CandidateCount is the number of stored entries of a role sub-collection.
func (m *MemoryChannel) CandidateCount(callID string, role internal_type.Role) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates[candidateKey{callID: callID, role: role}])
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.callSubs {
		for _, d := range subs {
			d.stop()
		}
	}
	for _, subs := range m.ringSubs {
		for _, d := range subs {
			d.stop()
		}
	}
	for _, subs := range m.candSubs {
		for _, d := range subs {
			d.stop()
		}
	}
	return nil
}

func (m *MemoryChannel) subscribeLocked(name string) (int, *dispatcher) {
	m.nextSub++
	return m.nextSub, newDispatcher(name, m.logger)
}

func (m *MemoryChannel) unsubscriber(id int, d *dispatcher, forget func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.stop()
			m.mu.Lock()
			forget()
			m.mu.Unlock()
		})
	}
}

func (m *MemoryChannel) notifyCallLocked(callID string) {
	rec, ok := m.calls[callID]
	if !ok {
		return
	}
	for id, d := range m.callSubs[callID] {
		fn := m.callHandlers[id]
		snapshot := rec.Clone()
		d.push(func() { fn(snapshot) })
	}
}

func (m *MemoryChannel) notifyRingingLocked(calleeID string) {
	subs := m.ringSubs[calleeID]
	if len(subs) == 0 {
		return
	}
	snapshot := m.ringingLocked(calleeID)
	for id, d := range subs {
		fn := m.ringHandlers[id]
		d.push(func() { fn(snapshot) })
	}
}

// ringingLocked answers "calleeId = me AND status = ringing", earliest first, limit 1.
func (m *MemoryChannel) ringingLocked(calleeID string) []*internal_type.CallRecord {
	var matches []*internal_type.CallRecord
	for _, rec := range m.calls {
		if rec.CalleeID == calleeID && rec.Status == internal_type.CallStatusRinging {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if len(matches) > 1 {
		matches = matches[:1]
	}
	out := make([]*internal_type.CallRecord, 0, len(matches))
	for _, rec := range matches {
		out = append(out, rec.Clone())
	}
	return out
}
