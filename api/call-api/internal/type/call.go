// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrImmutableField    = errors.New("call field is write-once")
)

// Role is the side of the call a participant plays.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Remote returns the opposite role.
func (r Role) Remote() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) String() string { return string(r) }

// CallStatus is the shared, persisted status of a call record.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAccepted CallStatus = "accepted"
	CallStatusDeclined CallStatus = "declined"
	CallStatusEnded    CallStatus = "ended"
)

func (s CallStatus) String() string { return string(s) }

// IsTerminal reports whether no further media setup can happen for the call.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusDeclined || s == CallStatusEnded
}

// CanTransition reports whether a record may move from s to next. Rewriting the
// current status is allowed so point writes can be retried.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case CallStatusRinging:
		return next == CallStatusAccepted || next == CallStatusDeclined || next == CallStatusEnded
	case CallStatusAccepted, CallStatusDeclined:
		return next == CallStatusEnded
	}
	return false
}

// SDP types carried in SessionDescription.Type.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an opaque media negotiation blob.
type SessionDescription struct {
	Type string `json:"type" mapstructure:"type"`
	SDP  string `json:"sdp" mapstructure:"sdp"`
}

func (d *SessionDescription) Equal(o *SessionDescription) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Type == o.Type && d.SDP == o.SDP
}

// ICECandidate is one trickled network path, serialized as the browser shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallRecord is the shared document both participants coordinate through.
type CallRecord struct {
	ID         string              `json:"callId"`
	CallerID   string              `json:"callerId"`
	CalleeID   string              `json:"calleeId"`
	CallerName string              `json:"callerName,omitempty"`
	Status     CallStatus          `json:"status"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	EndedAt    *time.Time          `json:"endedAt,omitempty"`
}

func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	if r.EndedAt != nil {
		e := *r.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// CallUpdate is a partial write against an existing record. Nil fields are left untouched.
type CallUpdate struct {
	Status  *CallStatus
	Answer  *SessionDescription
	EndedAt *time.Time
}

// Apply validates u against r and returns the updated copy.
func (u CallUpdate) Apply(r *CallRecord) (*CallRecord, error) {
	next := r.Clone()
	if u.Status != nil {
		if !r.Status.CanTransition(*u.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, *u.Status)
		}
		next.Status = *u.Status
	}
	if u.Answer != nil {
		if r.Answer != nil && !r.Answer.Equal(u.Answer) {
			return nil, fmt.Errorf("%w: answer", ErrImmutableField)
		}
		a := *u.Answer
		next.Answer = &a
	}
	if u.EndedAt != nil && r.EndedAt == nil {
		e := *u.EndedAt
		next.EndedAt = &e
	}
	return next, nil
}

// Invitation is a ringing call surfaced to its callee.
type Invitation struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
}

func InvitationFromRecord(r *CallRecord) *Invitation {
	name := r.CallerName
	if name == "" {
		name = r.CallerID
	}
	return &Invitation{CallID: r.ID, CallerID: r.CallerID, CallerName: name}
}
