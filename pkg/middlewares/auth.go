// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/types"
	"github.com/rapidaai/memorykeeper/pkg/utils"
)

// NewAuthenticationMiddleware resolves the bearer token (header, or access_token
// query for websocket upgrades) into a UserPrinciple. Unauthenticated requests are
// rejected with 401.
func NewAuthenticationMiddleware(secret string, logger commons.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader(utils.HEADER_AUTH_KEY), utils.HEADER_BEARER_TOKEN)
		if utils.IsEmpty(token) {
			token = c.Query(utils.QUERY_ACCESS_TOKEN)
		}
		if utils.IsEmpty(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "success": false, "error": "missing access token"})
			return
		}
		principle, err := types.ParseToken(secret, token)
		if err != nil {
			logger.Debugw("rejected access token", "error", err, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "success": false, "error": "invalid access token"})
			return
		}
		types.SetAuthPrinciple(c, principle)
		c.Next()
	}
}
