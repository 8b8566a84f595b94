// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package configs

import "fmt"

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// AuthConfig holds database credentials.
type AuthConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// DatabaseConfig is bound from DATABASE__* variables. Path is only read by the
// sqlite driver.
type DatabaseConfig struct {
	Driver             string     `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	Host               string     `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port               int        `mapstructure:"port"`
	DBName             string     `mapstructure:"db_name" validate:"required_if=Driver postgres"`
	Auth               AuthConfig `mapstructure:"auth"`
	MaxOpenConnection  int        `mapstructure:"max_open_connection"`
	MaxIdealConnection int        `mapstructure:"max_ideal_connection"`
	SslMode            string     `mapstructure:"ssl_mode"`
	Path               string     `mapstructure:"path" validate:"required_if=Driver sqlite"`
}

// DSN renders the postgres connection string.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SslMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Auth.User, c.Auth.Password, c.DBName, sslMode)
}
