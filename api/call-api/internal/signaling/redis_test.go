// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

func newMockRedisChannel(t *testing.T, opts ...RedisOption) (*RedisChannel, redismock.ClientMock) {
	t.Helper()
	logger, _ := commons.NewApplicationLogger(commons.Level("error"))
	client, mock := redismock.NewClientMock()
	ch := NewRedisChannel(client, logger, opts...)
	t.Cleanup(func() { _ = ch.Close() })
	return ch, mock
}

func TestRedisChannel_GetCallDecodesHash(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	offer, _ := json.Marshal(internal_type.SessionDescription{Type: "offer", SDP: "v=0"})

	mock.ExpectHGetAll("{call:c1}").SetVal(map[string]string{
		"callerId":   "alice",
		"calleeId":   "bob",
		"callerName": "Alice",
		"status":     "ringing",
		"offer":      string(offer),
		"createdAt":  "1700000000000",
	})

	rec, err := ch.GetCall(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.CalleeID)
	assert.Equal(t, internal_type.CallStatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "v=0", rec.Offer.SDP)
	assert.Nil(t, rec.Answer)
	assert.Nil(t, rec.EndedAt)
	assert.Equal(t, int64(1700000000000), rec.CreatedAt.UnixMilli())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChannel_GetCallNotFound(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	mock.ExpectHGetAll("{call:gone}").SetVal(map[string]string{})

	_, err := ch.GetCall(context.Background(), "gone")
	assert.ErrorIs(t, err, internal_type.ErrCallNotFound)
}

func TestRedisChannel_GetCallRedisError(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	mock.ExpectHGetAll("{call:c1}").SetErr(errors.New("connection reset"))

	_, err := ch.GetCall(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, internal_type.ErrCallNotFound)
}

func TestRedisChannel_AddCandidate(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	mid := "0"
	candidate := internal_type.ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host", SDPMid: &mid}
	raw, _ := json.Marshal(candidate)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "{call:c1}:candidates:caller",
		Values: map[string]interface{}{"candidate": string(raw)},
	}).SetVal("1-0")

	require.NoError(t, ch.AddCandidate(context.Background(), "c1", internal_type.RoleCaller, candidate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChannel_PurgeCandidatesIsBestEffort(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	key := "{call:c1}:candidates:callee"

	mock.ExpectXRange(key, "-", "+").SetVal([]redis.XMessage{{ID: "1-0"}, {ID: "2-0"}, {ID: "3-0"}})
	mock.ExpectXDel(key, "1-0").SetVal(1)
	mock.ExpectXDel(key, "2-0").SetErr(errors.New("timeout"))
	mock.ExpectXDel(key, "3-0").SetVal(1)

	deleted, err := ch.PurgeCandidates(context.Background(), "c1", internal_type.RoleCallee)
	assert.Equal(t, 2, deleted, "a failed entry does not stop the rest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2-0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChannel_PurgeCandidatesDropsStream(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	key := "{call:c1}:candidates:caller"

	mock.ExpectXRange(key, "-", "+").SetVal([]redis.XMessage{{ID: "1-0"}})
	mock.ExpectXDel(key, "1-0").SetVal(1)
	mock.ExpectDel(key).SetVal(1)

	deleted, err := ch.PurgeCandidates(context.Background(), "c1", internal_type.RoleCaller)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodeDecodeCall(t *testing.T) {
	ended := time.UnixMilli(1700000005000)
	rec := &internal_type.CallRecord{
		ID:        "c1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Status:    internal_type.CallStatusEnded,
		Offer:     &internal_type.SessionDescription{Type: "offer", SDP: "o"},
		Answer:    &internal_type.SessionDescription{Type: "answer", SDP: "a"},
		CreatedAt: time.UnixMilli(1700000000000),
		EndedAt:   &ended,
	}
	values, err := encodeCall(rec)
	require.NoError(t, err)

	fields := make(map[string]string)
	for i := 0; i < len(values); i += 2 {
		fields[values[i].(string)] = values[i+1].(string)
	}
	decoded, err := decodeCall("c1", fields)
	require.NoError(t, err)
	assert.True(t, decoded.Answer.Equal(rec.Answer))
	assert.Equal(t, ended.UnixMilli(), decoded.EndedAt.UnixMilli())
	assert.Equal(t, rec.CallerID, decoded.CallerID)
}

func TestAllowedFrom(t *testing.T) {
	assert.Equal(t, "ringing,accepted,declined,ended", allowedFrom(internal_type.CallStatusEnded))
	assert.Equal(t, "ringing,accepted", allowedFrom(internal_type.CallStatusAccepted))
	assert.Equal(t, "ringing", allowedFrom(internal_type.CallStatusRinging))
}

// =============================================================================
// UpdateCall
// =============================================================================

func TestRedisChannel_UpdateCallScriptResults(t *testing.T) {
	status := internal_type.CallStatusAccepted
	answer := internal_type.SessionDescription{Type: "answer", SDP: "a"}
	raw, _ := json.Marshal(answer)

	cases := []struct {
		name string
		code int64
		want error
	}{
		{"missing record", -1, internal_type.ErrCallNotFound},
		{"rejected transition", -2, internal_type.ErrInvalidTransition},
		{"answer already set", -3, internal_type.ErrImmutableField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, mock := newMockRedisChannel(t)
			mock.ExpectEvalSha(updateCallScript.Hash(), []string{"{call:c1}"},
				"accepted", string(raw), "", "ringing,accepted").SetVal(tc.code)

			rec, err := ch.UpdateCall(context.Background(), "c1", internal_type.CallUpdate{Status: &status, Answer: &answer})
			assert.ErrorIs(t, err, tc.want)
			assert.Nil(t, rec)
			require.NoError(t, mock.ExpectationsWereMet(), "a rejected update reads and publishes nothing")
		})
	}
}

func TestRedisChannel_UpdateCallSyncsIndexAndPublishes(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	status := internal_type.CallStatusEnded
	endedAt := time.UnixMilli(1700000009000)

	mock.ExpectEvalSha(updateCallScript.Hash(), []string{"{call:c1}"},
		"ended", "", "1700000009000", "ringing,accepted,declined,ended").SetVal(int64(0))
	mock.ExpectHGetAll("{call:c1}").SetVal(map[string]string{
		"callerId":  "alice",
		"calleeId":  "bob",
		"status":    "ended",
		"createdAt": "1700000000000",
		"endedAt":   "1700000009000",
	})
	mock.ExpectZRem("{callee:bob}:ringing", "c1").SetVal(1)
	mock.ExpectPublish("{call:c1}:events", "ended").SetVal(1)
	mock.ExpectPublish("{callee:bob}:events", "c1").SetVal(1)

	rec, err := ch.UpdateCall(context.Background(), "c1", internal_type.CallUpdate{Status: &status, EndedAt: &endedAt})
	require.NoError(t, err)
	assert.Equal(t, internal_type.CallStatusEnded, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, endedAt.UnixMilli(), rec.EndedAt.UnixMilli())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChannel_UpdateCallScriptError(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	status := internal_type.CallStatusDeclined
	mock.ExpectEvalSha(updateCallScript.Hash(), []string{"{call:c1}"},
		"declined", "", "", "ringing,declined").SetErr(errors.New("connection reset"))

	_, err := ch.UpdateCall(context.Background(), "c1", internal_type.CallUpdate{Status: &status})
	require.Error(t, err)
	assert.NotErrorIs(t, err, internal_type.ErrInvalidTransition)
	assert.NotErrorIs(t, err, internal_type.ErrCallNotFound)
}

// =============================================================================
// Ringing index
// =============================================================================

func ringingHash(callee, status string, createdAt int64) map[string]string {
	return map[string]string{
		"callerId":  "alice",
		"calleeId":  callee,
		"status":    status,
		"createdAt": strconv.FormatInt(createdAt, 10),
	}
}

func TestRedisChannel_RingingEarliestWins(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	mock.ExpectZRange("{callee:bob}:ringing", 0, -1).SetVal([]string{"c1", "c2"})
	mock.ExpectHGetAll("{call:c1}").SetVal(ringingHash("bob", "ringing", 1000))

	records, err := ch.ringing(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].ID)
	require.NoError(t, mock.ExpectationsWereMet(), "later members are not read")
}

func TestRedisChannel_RingingPrunesStaleMembers(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	key := "{callee:bob}:ringing"
	mock.ExpectZRange(key, 0, -1).SetVal([]string{"gone", "ended", "other", "c3"})
	mock.ExpectHGetAll("{call:gone}").SetVal(map[string]string{})
	mock.ExpectZRem(key, "gone").SetVal(1)
	mock.ExpectHGetAll("{call:ended}").SetVal(ringingHash("bob", "ended", 1000))
	mock.ExpectZRem(key, "ended").SetVal(1)
	mock.ExpectHGetAll("{call:other}").SetVal(ringingHash("carol", "ringing", 1500))
	mock.ExpectZRem(key, "other").SetErr(errors.New("timeout"))
	mock.ExpectHGetAll("{call:c3}").SetVal(ringingHash("bob", "ringing", 2000))

	records, err := ch.ringing(context.Background(), "bob")
	require.NoError(t, err, "a failed prune does not fail the query")
	require.Len(t, records, 1)
	assert.Equal(t, "c3", records[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisChannel_RingingEmpty(t *testing.T) {
	cases := []struct {
		name    string
		members []string
	}{
		{"empty index", []string{}},
		{"only stale members", []string{"c1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, mock := newMockRedisChannel(t)
			mock.ExpectZRange("{callee:bob}:ringing", 0, -1).SetVal(tc.members)
			for _, id := range tc.members {
				mock.ExpectHGetAll("{call:" + id + "}").SetVal(ringingHash("bob", "declined", 1000))
				mock.ExpectZRem("{callee:bob}:ringing", id).SetVal(1)
			}

			records, err := ch.ringing(context.Background(), "bob")
			require.NoError(t, err)
			assert.NotNil(t, records)
			assert.Empty(t, records)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedisChannel_RingingReadError(t *testing.T) {
	ch, mock := newMockRedisChannel(t)
	mock.ExpectZRange("{callee:bob}:ringing", 0, -1).SetVal([]string{"c1"})
	mock.ExpectHGetAll("{call:c1}").SetErr(errors.New("connection reset"))

	_, err := ch.ringing(context.Background(), "bob")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet(), "an unreadable record is not pruned")
}

// =============================================================================
// Candidate streams
// =============================================================================

func candidateEntry(t *testing.T, id, candidate string) redis.XMessage {
	t.Helper()
	raw, err := json.Marshal(internal_type.ICECandidate{Candidate: candidate})
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{candidateField: string(raw)}}
}

func TestRedisChannel_WatchCandidatesReplaysFromStart(t *testing.T) {
	ch, mock := newMockRedisChannel(t, WithReadBlock(time.Millisecond))
	key := "{call:c1}:candidates:caller"

	mock.ExpectXRead(&redis.XReadArgs{Streams: []string{key, "0"}, Count: 100, Block: time.Millisecond}).
		SetVal([]redis.XStream{{Stream: key, Messages: []redis.XMessage{
			candidateEntry(t, "1-0", "a-1"),
			{ID: "1-1", Values: map[string]interface{}{"other": "x"}},
			candidateEntry(t, "2-0", "a-2"),
		}}})
	mock.ExpectXRead(&redis.XReadArgs{Streams: []string{key, "2-0"}, Count: 100, Block: time.Millisecond}).
		SetVal([]redis.XStream{{Stream: key, Messages: []redis.XMessage{candidateEntry(t, "3-0", "a-3")}}})

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe, err := ch.WatchCandidates(context.Background(), "c1", internal_type.RoleCaller, func(c internal_type.ICECandidate) {
		mu.Lock()
		got = append(got, c.Candidate)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, got, "malformed entries are skipped, order is kept")
	mu.Unlock()
	require.NoError(t, mock.ExpectationsWereMet(), "reads resume after the last delivered id")
}
