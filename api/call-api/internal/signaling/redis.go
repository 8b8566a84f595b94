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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
)

// Key layout. Every key of a call shares the {call:<id>} hash tag.
//
//	{call:<id>}                     HASH   the call record
//	{call:<id>}:events              PUBSUB change notification for the record
//	{call:<id>}:candidates:<role>   STREAM candidate sub-collection
//	{callee:<uid>}:ringing          ZSET   ringing call ids, scored by createdAt
//	{callee:<uid>}:events           PUBSUB change notification for the index
func callKey(callID string) string { return "{call:" + callID + "}" }

func callEventsKey(callID string) string { return callKey(callID) + ":events" }

func candidatesKey(callID string, role internal_type.Role) string {
	return callKey(callID) + ":candidates:" + role.String()
}

func ringingKey(calleeID string) string { return "{callee:" + calleeID + "}:ringing" }

func ringingEventsKey(calleeID string) string { return "{callee:" + calleeID + "}:events" }

const (
	fieldCallerID   = "callerId"
	fieldCalleeID   = "calleeId"
	fieldCallerName = "callerName"
	fieldStatus     = "status"
	fieldOffer      = "offer"
	fieldAnswer     = "answer"
	fieldCreatedAt  = "createdAt"
	fieldEndedAt    = "endedAt"

	candidateField = "candidate"

	defaultReadBlock = 5 * time.Second
	retryBackoff     = 500 * time.Millisecond
)

// updateCallScript validates then writes a partial update so a rejected
// transition never leaves a half-written record.
//
// ARGV[1] new status or ""
// ARGV[2] answer json or ""
// ARGV[3] endedAt millis or ""
// ARGV[4] comma separated statuses allowed to move to ARGV[1]
//
// returns 0 ok, -1 not found, -2 invalid transition, -3 answer already set
var updateCallScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		return -1
	end
	local status = redis.call('HGET', key, 'status')
	if ARGV[1] ~= '' and status ~= ARGV[1] then
		local allowed = false
		for s in string.gmatch(ARGV[4], '[^,]+') do
			if s == status then
				allowed = true
			end
		end
		if not allowed then
			return -2
		end
	end
	if ARGV[2] ~= '' then
		local answer = redis.call('HGET', key, 'answer')
		if answer and answer ~= '' and answer ~= ARGV[2] then
			return -3
		end
	end
	if ARGV[1] ~= '' then
		redis.call('HSET', key, 'status', ARGV[1])
	end
	if ARGV[2] ~= '' then
		redis.call('HSET', key, 'answer', ARGV[2])
	end
	if ARGV[3] ~= '' and redis.call('HEXISTS', key, 'endedAt') == 0 then
		redis.call('HSET', key, 'endedAt', ARGV[3])
	end
	return 0
`)

var allStatuses = []internal_type.CallStatus{
	internal_type.CallStatusRinging,
	internal_type.CallStatusAccepted,
	internal_type.CallStatusDeclined,
	internal_type.CallStatusEnded,
}

// allowedFrom lists the statuses that may transition to next.
func allowedFrom(next internal_type.CallStatus) string {
	from := make([]string, 0, len(allStatuses))
	for _, s := range allStatuses {
		if s.CanTransition(next) {
			from = append(from, s.String())
		}
	}
	return strings.Join(from, ",")
}

// callHash is the flat HASH representation of a record.
type callHash struct {
	CallerID   string `mapstructure:"callerId"`
	CalleeID   string `mapstructure:"calleeId"`
	CallerName string `mapstructure:"callerName"`
	Status     string `mapstructure:"status"`
	Offer      string `mapstructure:"offer"`
	Answer     string `mapstructure:"answer"`
	CreatedAt  int64  `mapstructure:"createdAt"`
	EndedAt    int64  `mapstructure:"endedAt"`
}

func decodeCall(callID string, fields map[string]string) (*internal_type.CallRecord, error) {
	var h callHash
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &h,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("failed to decode call %s: %w", callID, err)
	}
	rec := &internal_type.CallRecord{
		ID:         callID,
		CallerID:   h.CallerID,
		CalleeID:   h.CalleeID,
		CallerName: h.CallerName,
		Status:     internal_type.CallStatus(h.Status),
		CreatedAt:  time.UnixMilli(h.CreatedAt),
	}
	if h.Offer != "" {
		rec.Offer = &internal_type.SessionDescription{}
		if err := json.Unmarshal([]byte(h.Offer), rec.Offer); err != nil {
			return nil, fmt.Errorf("failed to decode offer of call %s: %w", callID, err)
		}
	}
	if h.Answer != "" {
		rec.Answer = &internal_type.SessionDescription{}
		if err := json.Unmarshal([]byte(h.Answer), rec.Answer); err != nil {
			return nil, fmt.Errorf("failed to decode answer of call %s: %w", callID, err)
		}
	}
	if h.EndedAt > 0 {
		ended := time.UnixMilli(h.EndedAt)
		rec.EndedAt = &ended
	}
	return rec, nil
}

// encodeCall flattens a record into ordered HSET arguments.
func encodeCall(rec *internal_type.CallRecord) ([]interface{}, error) {
	values := []interface{}{
		fieldCallerID, rec.CallerID,
		fieldCalleeID, rec.CalleeID,
		fieldCallerName, rec.CallerName,
		fieldStatus, rec.Status.String(),
		fieldCreatedAt, strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
	}
	if rec.Offer != nil {
		b, err := json.Marshal(rec.Offer)
		if err != nil {
			return nil, err
		}
		values = append(values, fieldOffer, string(b))
	}
	if rec.Answer != nil {
		b, err := json.Marshal(rec.Answer)
		if err != nil {
			return nil, err
		}
		values = append(values, fieldAnswer, string(b))
	}
	if rec.EndedAt != nil {
		values = append(values, fieldEndedAt, strconv.FormatInt(rec.EndedAt.UnixMilli(), 10))
	}
	return values, nil
}

// RedisOption tunes the redis channel.
type RedisOption func(*RedisChannel)

// WithReadBlock sets how long a candidate stream read blocks before re-polling.
func WithReadBlock(d time.Duration) RedisOption {
	return func(r *RedisChannel) {
		if d > 0 {
			r.readBlock = d
		}
	}
}

// RedisChannel implements Channel on a single redis node.
type RedisChannel struct {
	client    *redis.Client
	logger    commons.Logger
	readBlock time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[int]Unsubscribe
	nextID int
}

func NewRedisChannel(client *redis.Client, logger commons.Logger, opts ...RedisOption) *RedisChannel {
	r := &RedisChannel{
		client:    client,
		logger:    logger,
		readBlock: defaultReadBlock,
		subs:      make(map[int]Unsubscribe),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisChannel) CreateCall(ctx context.Context, record *internal_type.CallRecord) error {
	values, err := encodeCall(record)
	if err != nil {
		return fmt.Errorf("failed to encode call %s: %w", record.ID, err)
	}
	key := callKey(record.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write call %s: %w", record.ID, err)
	}
	r.syncRingingIndex(ctx, record)
	r.publish(ctx, record)
	return nil
}

func (r *RedisChannel) GetCall(ctx context.Context, callID string) (*internal_type.CallRecord, error) {
	fields, err := r.client.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call %s: %w", callID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", internal_type.ErrCallNotFound, callID)
	}
	return decodeCall(callID, fields)
}

func (r *RedisChannel) UpdateCall(ctx context.Context, callID string, update internal_type.CallUpdate) (*internal_type.CallRecord, error) {
	args := []interface{}{"", "", "", ""}
	if update.Status != nil {
		args[0] = update.Status.String()
		args[3] = allowedFrom(*update.Status)
	}
	if update.Answer != nil {
		b, err := json.Marshal(update.Answer)
		if err != nil {
			return nil, fmt.Errorf("failed to encode answer for call %s: %w", callID, err)
		}
		args[1] = string(b)
	}
	if update.EndedAt != nil {
		args[2] = strconv.FormatInt(update.EndedAt.UnixMilli(), 10)
	}

	code, err := updateCallScript.Run(ctx, r.client, []string{callKey(callID)}, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to update call %s: %w", callID, err)
	}
	switch code {
	case -1:
		return nil, fmt.Errorf("%w: %s", internal_type.ErrCallNotFound, callID)
	case -2:
		return nil, fmt.Errorf("%w: call %s to %s", internal_type.ErrInvalidTransition, callID, args[0])
	case -3:
		return nil, fmt.Errorf("%w: answer of call %s", internal_type.ErrImmutableField, callID)
	}

	rec, err := r.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	r.syncRingingIndex(ctx, rec)
	r.publish(ctx, rec)
	return rec, nil
}

// syncRingingIndex keeps {callee}:ringing in line with the record. Readers
// re-check the status, so a failure here only delays pruning.
func (r *RedisChannel) syncRingingIndex(ctx context.Context, rec *internal_type.CallRecord) {
	var err error
	if rec.Status == internal_type.CallStatusRinging {
		err = r.client.ZAdd(ctx, ringingKey(rec.CalleeID), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		}).Err()
	} else {
		err = r.client.ZRem(ctx, ringingKey(rec.CalleeID), rec.ID).Err()
	}
	if err != nil {
		r.logger.Warnw("failed to update ringing index", "callId", rec.ID, "calleeId", rec.CalleeID, "error", err)
	}
}

func (r *RedisChannel) publish(ctx context.Context, rec *internal_type.CallRecord) {
	if err := r.client.Publish(ctx, callEventsKey(rec.ID), rec.Status.String()).Err(); err != nil {
		r.logger.Warnw("failed to publish call change", "callId", rec.ID, "error", err)
	}
	if err := r.client.Publish(ctx, ringingEventsKey(rec.CalleeID), rec.ID).Err(); err != nil {
		r.logger.Warnw("failed to publish ringing change", "calleeId", rec.CalleeID, "error", err)
	}
}

func (r *RedisChannel) WatchCall(ctx context.Context, callID string, fn func(*internal_type.CallRecord)) (Unsubscribe, error) {
	return r.watchPubSub(ctx, callEventsKey(callID), func(subCtx context.Context) {
		rec, err := r.GetCall(subCtx, callID)
		if err != nil {
			if !errors.Is(err, internal_type.ErrCallNotFound) {
				r.logger.Warnw("failed to refresh watched call", "callId", callID, "error", err)
			}
			return
		}
		invoke(r.logger, "call:"+callID, func() { fn(rec) })
	})
}

func (r *RedisChannel) WatchRinging(ctx context.Context, calleeID string, fn func([]*internal_type.CallRecord)) (Unsubscribe, error) {
	return r.watchPubSub(ctx, ringingEventsKey(calleeID), func(subCtx context.Context) {
		records, err := r.ringing(subCtx, calleeID)
		if err != nil {
			r.logger.Warnw("failed to query ringing calls", "calleeId", calleeID, "error", err)
			return
		}
		invoke(r.logger, "ringing:"+calleeID, func() { fn(records) })
	})
}

// ringing returns the earliest call in the index whose record is still ringing,
// pruning stale members on the way.
func (r *RedisChannel) ringing(ctx context.Context, calleeID string) ([]*internal_type.CallRecord, error) {
	ids, err := r.client.ZRange(ctx, ringingKey(calleeID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		rec, err := r.GetCall(ctx, id)
		switch {
		case errors.Is(err, internal_type.ErrCallNotFound):
		case err != nil:
			return nil, err
		case rec.Status == internal_type.CallStatusRinging && rec.CalleeID == calleeID:
			return []*internal_type.CallRecord{rec}, nil
		}
		if err := r.client.ZRem(ctx, ringingKey(calleeID), id).Err(); err != nil {
			r.logger.Debugw("failed to prune ringing index", "calleeId", calleeID, "callId", id, "error", err)
		}
	}
	return []*internal_type.CallRecord{}, nil
}

// watchPubSub subscribes first and then takes the initial snapshot, so no change
// between the two is missed. refresh runs once initially and once per message.
func (r *RedisChannel) watchPubSub(ctx context.Context, channel string, refresh func(context.Context)) (Unsubscribe, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channel, err)
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages := sub.Channel()
	go func() {
		refresh(subCtx)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				if subCtx.Err() != nil {
					return
				}
				refresh(subCtx)
			}
		}
	}()
	return r.track(func() {
		cancel()
		if err := sub.Close(); err != nil {
			r.logger.Debugw("failed to close subscription", "channel", channel, "error", err)
		}
	})
}

func (r *RedisChannel) AddCandidate(ctx context.Context, callID string, role internal_type.Role, candidate internal_type.ICECandidate) error {
	b, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to encode candidate: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: candidatesKey(callID, role),
		Values: map[string]interface{}{candidateField: string(b)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add %s candidate to call %s: %w", role, callID, err)
	}
	return nil
}

func (r *RedisChannel) WatchCandidates(ctx context.Context, callID string, role internal_type.Role, fn func(internal_type.ICECandidate)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := candidatesKey(callID, role)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		lastID := "0"
		for subCtx.Err() == nil {
			streams, err := r.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   r.readBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				r.logger.Warnw("failed to read candidates", "callId", callID, "role", role, "error", err)
				select {
				case <-subCtx.Done():
					return
				case <-time.After(retryBackoff):
				}
				continue
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					candidate, err := decodeCandidate(msg)
					if err != nil {
						r.logger.Warnw("dropping malformed candidate entry", "callId", callID, "role", role, "id", msg.ID, "error", err)
						continue
					}
					if subCtx.Err() != nil {
						return
					}
					invoke(r.logger, key, func() { fn(candidate) })
				}
			}
		}
	}()
	return r.track(cancel)
}

func decodeCandidate(msg redis.XMessage) (internal_type.ICECandidate, error) {
	var candidate internal_type.ICECandidate
	raw, ok := msg.Values[candidateField].(string)
	if !ok {
		return candidate, fmt.Errorf("entry has no %q field", candidateField)
	}
	err := json.Unmarshal([]byte(raw), &candidate)
	return candidate, err
}

func (r *RedisChannel) PurgeCandidates(ctx context.Context, callID string, role internal_type.Role) (int, error) {
	key := candidatesKey(callID, role)
	entries, err := r.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read %s candidates of call %s: %w", role, callID, err)
	}
	deleted := 0
	var errs []error
	for _, entry := range entries {
		if err := r.client.XDel(ctx, key, entry.ID).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete candidate %s of call %s: %w", entry.ID, callID, err))
			continue
		}
		deleted++
	}
	if len(errs) == 0 {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drop candidate stream of call %s: %w", callID, err))
		}
	}
	return deleted, errors.Join(errs...)
}

func (r *RedisChannel) track(stop func()) (Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		stop()
		return nil, ErrChannelClosed
	}
	r.nextID++
	id := r.nextID
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			stop()
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
	r.subs[id] = unsubscribe
	return unsubscribe, nil
}

// Close stops every live subscription. The client is owned by the connector.
func (r *RedisChannel) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]Unsubscribe, 0, len(r.subs))
	for _, unsubscribe := range r.subs {
		subs = append(subs, unsubscribe)
	}
	r.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	return nil
}
