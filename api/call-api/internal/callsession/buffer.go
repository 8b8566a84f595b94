// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import (
	"sync"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
)

// candidateGate holds the remote candidates of one originating role until the
// remote description they belong to is set on the local peer connection.
//
// Offer and Open run under the same lock, so a candidate is either applied
// directly or is part of the flushed snapshot, never both and never neither.
type candidateGate struct {
	mu      sync.Mutex
	open    bool
	closed  bool
	pending []internal_type.ICECandidate
}

func newCandidateGate() *candidateGate {
	return &candidateGate{}
}

// Offer applies c when the gate is open, buffers it otherwise. It reports
// whether c was applied. Candidates offered after Close are dropped.
func (g *candidateGate) Offer(c internal_type.ICECandidate, apply func(internal_type.ICECandidate)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if !g.open {
		g.pending = append(g.pending, c)
		return false
	}
	apply(c)
	return true
}

// Open flips the gate and flushes the buffered candidates in arrival order.
// Opening an open gate is a no-op.
func (g *candidateGate) Open(apply func(internal_type.ICECandidate)) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open || g.closed {
		return 0
	}
	g.open = true
	snapshot := g.pending
	g.pending = nil
	for _, c := range snapshot {
		apply(c)
	}
	return len(snapshot)
}

// Close resets the flag and empties the buffer for good.
func (g *candidateGate) Close() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.pending)
	g.open = false
	g.closed = true
	g.pending = nil
	return n
}

func (g *candidateGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *candidateGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
