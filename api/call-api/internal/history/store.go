// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/connectors"
)

var ErrCallLogNotFound = errors.New("call log not found")

const defaultListLimit = 50

// Store persists the human-readable call status history of each participant.
//
// The signaling record is the source of truth for negotiation; this log is
// what a user sees afterwards ("Call declined", "No answer"). Rows are never
// deleted by the call flow.
type Store interface {
	// Migrate creates or updates the call_logs table.
	Migrate(ctx context.Context) error

	// Record upserts the participant's row for the call. The first write
	// creates it; later writes replace status, note and timestamps.
	Record(ctx context.Context, entry Entry) error

	// UpdateStatus patches an existing row only. Returns ErrCallLogNotFound
	// when no row matches.
	UpdateStatus(ctx context.Context, callID, ownerID, status, note string) error

	// Get returns the participant's row for a call.
	Get(ctx context.Context, callID, ownerID string) (*CallLog, error)

	// List returns the participant's most recent calls first.
	List(ctx context.Context, ownerID string, limit int) ([]*CallLog, error)
}

type gormStore struct {
	db     connectors.SQLConnector
	logger commons.Logger
}

func NewStore(db connectors.SQLConnector, logger commons.Logger) Store {
	return &gormStore{db: db, logger: logger}
}

func (s *gormStore) Migrate(ctx context.Context) error {
	if err := s.db.DB(ctx).AutoMigrate(&CallLog{}); err != nil {
		return fmt.Errorf("failed to migrate call logs: %w", err)
	}
	return nil
}

func (s *gormStore) Record(ctx context.Context, entry Entry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	row := &CallLog{
		ID:          uuid.NewString(),
		CallID:      entry.CallID,
		OwnerID:     entry.OwnerID,
		PeerID:      entry.PeerID,
		PeerName:    entry.PeerName,
		Direction:   entry.Direction,
		Status:      entry.Status,
		Note:        entry.Note,
		CreatedDate: at,
		UpdatedDate: at,
	}
	updates := []string{"status", "note", "updated_date"}
	if entry.Ended {
		row.EndedDate = &at
		updates = append(updates, "ended_date")
	}

	err := s.db.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to record call log %s for %s: %w", entry.CallID, entry.OwnerID, err)
	}
	s.logger.Debugw("recorded call log", "callId", entry.CallID, "owner", entry.OwnerID, "status", entry.Status)
	return nil
}

func (s *gormStore) UpdateStatus(ctx context.Context, callID, ownerID, status, note string) error {
	result := s.db.DB(ctx).Model(&CallLog{}).
		Where("call_id = ? AND owner_id = ?", callID, ownerID).
		Updates(map[string]interface{}{
			"status":       status,
			"note":         note,
			"updated_date": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update call log %s: %w", callID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s for %s", ErrCallLogNotFound, callID, ownerID)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, callID, ownerID string) (*CallLog, error) {
	var row CallLog
	err := s.db.DB(ctx).Where("call_id = ? AND owner_id = ?", callID, ownerID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s for %s", ErrCallLogNotFound, callID, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read call log %s: %w", callID, err)
	}
	return &row, nil
}

func (s *gormStore) List(ctx context.Context, ownerID string, limit int) ([]*CallLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []*CallLog
	err := s.db.DB(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_date DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list call logs for %s: %w", ownerID, err)
	}
	return rows, nil
}
