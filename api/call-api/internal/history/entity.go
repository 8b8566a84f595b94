// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_history

import "time"

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CallLog is one participant's view of a call. There is one row per
// (call_id, owner_id); the row is updated in place on every transition.
type CallLog struct {
	ID          string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	CallID      string     `json:"callId" gorm:"type:varchar(64);not null;uniqueIndex:idx_call_logs_call_owner"`
	OwnerID     string     `json:"ownerId" gorm:"type:varchar(128);not null;uniqueIndex:idx_call_logs_call_owner;index"`
	PeerID      string     `json:"peerId" gorm:"type:varchar(128);not null"`
	PeerName    string     `json:"peerName" gorm:"type:varchar(256)"`
	Direction   Direction  `json:"direction" gorm:"type:varchar(16);not null"`
	Status      string     `json:"status" gorm:"type:varchar(32);not null"`
	Note        string     `json:"note" gorm:"type:varchar(256)"`
	CreatedDate time.Time  `json:"createdDate" gorm:"not null"`
	UpdatedDate time.Time  `json:"updatedDate"`
	EndedDate   *time.Time `json:"endedDate,omitempty"`
}

func (CallLog) TableName() string {
	return "call_logs"
}

// CREATE TABLE call_logs (
//     id VARCHAR(64) PRIMARY KEY,
//     call_id VARCHAR(64) NOT NULL,
//     owner_id VARCHAR(128) NOT NULL,
//     peer_id VARCHAR(128) NOT NULL,
//     peer_name VARCHAR(256),
//     direction VARCHAR(16) NOT NULL,
//     status VARCHAR(32) NOT NULL,
//     note VARCHAR(256),
//     created_date TIMESTAMP NOT NULL,
//     updated_date TIMESTAMP,
//     ended_date TIMESTAMP,
//     UNIQUE (call_id, owner_id)
// );

// Entry is a state transition to persist.
type Entry struct {
	CallID    string
	OwnerID   string
	PeerID    string
	PeerName  string
	Direction Direction
	Status    string
	Note      string
	At        time.Time
	Ended     bool
}
