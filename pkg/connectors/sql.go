// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/configs"
)

// SQLConnector hands out a gorm session bound to the caller's context.
type SQLConnector interface {
	Connector
	DB(ctx context.Context) *gorm.DB
}

type sqlConnector struct {
	cfg       *configs.DatabaseConfig
	logger    commons.Logger
	dialector gorm.Dialector
	db        *gorm.DB
}

// NewSQLConnector picks the dialector from cfg.Driver.
func NewSQLConnector(cfg *configs.DatabaseConfig, logger commons.Logger) (SQLConnector, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case configs.DriverPostgres:
		dialector = postgres.Open(cfg.DSN())
	case configs.DriverSQLite:
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return &sqlConnector{cfg: cfg, logger: logger, dialector: dialector}, nil
}

// NewSQLConnectorWithDialector is used when the connection is created elsewhere,
// e.g. postgres.New(postgres.Config{Conn: sqlDB}).
func NewSQLConnectorWithDialector(name string, dialector gorm.Dialector, logger commons.Logger) SQLConnector {
	return &sqlConnector{cfg: &configs.DatabaseConfig{Driver: name}, logger: logger, dialector: dialector}
}

func (s *sqlConnector) Connect(ctx context.Context) error {
	db, err := gorm.Open(s.dialector, &gorm.Config{
		Logger:                 gorm_logger.Default.LogMode(gorm_logger.Silent),
		SkipDefaultTransaction: false,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.Name(), err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access pool for %s: %w", s.Name(), err)
	}
	if s.cfg.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConnection)
	}
	if s.cfg.MaxIdealConnection > 0 {
		sqlDB.SetMaxIdleConns(s.cfg.MaxIdealConnection)
	}
	s.db = db
	s.logger.Infow("database connected", "driver", s.Name())
	return nil
}

func (s *sqlConnector) Name() string {
	switch s.cfg.Driver {
	case configs.DriverPostgres:
		return fmt.Sprintf("postgres://%s:%d/%s", s.cfg.Host, s.cfg.Port, s.cfg.DBName)
	case configs.DriverSQLite:
		return fmt.Sprintf("sqlite://%s", s.cfg.Path)
	}
	return s.cfg.Driver
}

func (s *sqlConnector) IsConnected(ctx context.Context) bool {
	if s.db == nil {
		return false
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (s *sqlConnector) Disconnect(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}

func (s *sqlConnector) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
