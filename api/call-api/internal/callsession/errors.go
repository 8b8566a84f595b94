// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_callsession

import "errors"

var (
	ErrNoIdentity     = errors.New("no local identity set")
	ErrInvalidCallee  = errors.New("invalid callee")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoInvitation   = errors.New("no pending invitation")
	ErrNoOffer        = errors.New("call has no offer yet")
	ErrCallNotRinging = errors.New("call is no longer ringing")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoLocalMedia   = errors.New("no local media stream")
	ErrManagerClosed  = errors.New("call manager closed")
)
