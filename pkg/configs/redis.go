// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package configs

import (
	"fmt"
	"time"
)

// RedisConfig is bound from REDIS__* variables.
type RedisConfig struct {
	Host          string        `mapstructure:"host" validate:"required"`
	Port          int           `mapstructure:"port" validate:"required"`
	Db            int           `mapstructure:"db"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	MaxConnection int           `mapstructure:"max_connection"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
