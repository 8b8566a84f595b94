// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"

	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/configs"
	"github.com/rapidaai/memorykeeper/pkg/connectors"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	logger, _ := commons.NewApplicationLogger()
	conn, err := connectors.NewSQLConnector(&configs.DatabaseConfig{
		Driver: configs.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, logger)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })

	store := NewStore(conn, logger)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestStore_RecordUpsertsPerParticipant(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	start := time.Now().Add(-time.Minute)

	require.NoError(t, store.Record(ctx, Entry{
		CallID: "c1", OwnerID: "alice", PeerID: "bob", Direction: DirectionOutgoing,
		Status: "ringing_outgoing", Note: "Calling bob", At: start,
	}))
	require.NoError(t, store.Record(ctx, Entry{
		CallID: "c1", OwnerID: "bob", PeerID: "alice", Direction: DirectionIncoming,
		Status: "ringing_incoming", Note: "Incoming call", At: start,
	}))
	require.NoError(t, store.Record(ctx, Entry{
		CallID: "c1", OwnerID: "alice", PeerID: "bob", Direction: DirectionOutgoing,
		Status: "declined", Note: "Call declined", At: time.Now(), Ended: true,
	}))

	alice, err := store.Get(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "declined", alice.Status)
	assert.Equal(t, "Call declined", alice.Note)
	assert.Equal(t, DirectionOutgoing, alice.Direction)
	require.NotNil(t, alice.EndedDate)
	assert.WithinDuration(t, start, alice.CreatedDate, time.Second, "created date survives the upsert")

	bob, err := store.Get(ctx, "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "ringing_incoming", bob.Status)
	assert.Nil(t, bob.EndedDate)
}

func TestStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, store.Record(ctx, Entry{
			CallID: id, OwnerID: "alice", PeerID: "bob", Direction: DirectionOutgoing,
			Status: "ended", At: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := store.List(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c3", rows[0].CallID)
	assert.Equal(t, "c2", rows[1].CallID)

	rows, err = store.List(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestStore_GetMissing(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.Get(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, ErrCallLogNotFound)
}

func newMockStore(t *testing.T) (Store, sqlmock.Sqlmock) {
	t.Helper()
	logger, _ := commons.NewApplicationLogger()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn := connectors.NewSQLConnectorWithDialector(configs.DriverPostgres, postgres.New(postgres.Config{Conn: db}), logger)
	require.NoError(t, conn.Connect(context.Background()))
	return NewStore(conn, logger), mock
}

func TestStore_UpdateStatusPostgres(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "call_logs" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateStatus(context.Background(), "c1", "alice", "ended", "Call ended"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateStatusNoRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "call_logs" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.UpdateStatus(context.Background(), "c1", "alice", "ended", "Call ended")
	assert.ErrorIs(t, err, ErrCallLogNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
