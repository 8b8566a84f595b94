// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/configs"
)

type RedisConnector interface {
	Connector
	GetConnection() *redis.Client
}

type redisConnector struct {
	cfg    *configs.RedisConfig
	logger commons.Logger
	client *redis.Client
}

func NewRedisConnector(cfg *configs.RedisConfig, logger commons.Logger) RedisConnector {
	return &redisConnector{cfg: cfg, logger: logger}
}

// NewRedisConnectorWithClient wraps an already constructed client.
func NewRedisConnectorWithClient(client *redis.Client, logger commons.Logger) RedisConnector {
	return &redisConnector{cfg: &configs.RedisConfig{}, logger: logger, client: client}
}

func (r *redisConnector) Connect(ctx context.Context) error {
	if r.client == nil {
		opts := &redis.Options{
			Addr:     r.cfg.Addr(),
			DB:       r.cfg.Db,
			Username: r.cfg.Username,
			Password: r.cfg.Password,
		}
		if r.cfg.MaxConnection > 0 {
			opts.PoolSize = r.cfg.MaxConnection
		}
		if r.cfg.DialTimeout > 0 {
			opts.DialTimeout = r.cfg.DialTimeout
		}
		r.client = redis.NewClient(opts)
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis %s: %w", r.Name(), err)
	}
	r.logger.Infow("redis connected", "address", r.Name())
	return nil
}

func (r *redisConnector) Name() string {
	return fmt.Sprintf("redis://%s", r.cfg.Addr())
}

func (r *redisConnector) IsConnected(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

func (r *redisConnector) Disconnect(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	r.logger.Debugw("disconnecting redis", "address", r.Name())
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *redisConnector) GetConnection() *redis.Client {
	return r.client
}
