// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package health_check_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/memorykeeper/api/call-api/config"
	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/connectors"
)

type HealthCheckApi struct {
	cfg        *config.AppConfig
	logger     commons.Logger
	connectors []connectors.Connector
}

func New(cfg *config.AppConfig, logger commons.Logger, conns ...connectors.Connector) *HealthCheckApi {
	return &HealthCheckApi{cfg: cfg, logger: logger, connectors: conns}
}

// Readiness reports 503 until every backing connector answers.
func (hc *HealthCheckApi) Readiness(c *gin.Context) {
	status := make(map[string]bool, len(hc.connectors))
	ready := true
	for _, conn := range hc.connectors {
		ok := conn.IsConnected(c.Request.Context())
		status[conn.Name()] = ok
		if !ok {
			hc.logger.Warnw("connector not ready", "connector", conn.Name())
			ready = false
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"ready": ready, "connectors": status})
}

func (hc *HealthCheckApi) Healthz(c *gin.Context) {
	body := gin.H{"healthy": true}
	if hc.cfg != nil {
		body["service"] = hc.cfg.Name
		body["version"] = hc.cfg.Version
	}
	c.JSON(http.StatusOK, body)
}
