// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call_api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/memorykeeper/api/call-api/config"
	internal_callsession "github.com/rapidaai/memorykeeper/api/call-api/internal/callsession"
	internal_history "github.com/rapidaai/memorykeeper/api/call-api/internal/history"
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_type "github.com/rapidaai/memorykeeper/api/call-api/internal/type"
	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var errIdentityMismatch = errors.New("token does not match the local identity")

// CallService is the call lifecycle surface the handlers drive.
type CallService interface {
	SetIdentity(ctx context.Context, userID string) error
	ClearIdentity(ctx context.Context) error
	Identity() string
	StartCall(ctx context.Context, calleeID, callerName string) (*internal_callsession.Snapshot, error)
	AcceptCall(ctx context.Context) (*internal_callsession.Snapshot, error)
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMic() (bool, error)
	ToggleSpeaker() (bool, error)
	SwitchCamera(ctx context.Context) (internal_media.CameraFacing, error)
	Snapshot() internal_callsession.Snapshot
	Subscribe() (<-chan internal_callsession.Update, func())
}

type HistoryLister interface {
	List(ctx context.Context, ownerID string, limit int) ([]*internal_history.CallLog, error)
}

type CallApi struct {
	cfg     *config.AppConfig
	logger  commons.Logger
	calls   CallService
	history HistoryLister
}

func New(cfg *config.AppConfig, logger commons.Logger, calls CallService, history HistoryLister) *CallApi {
	return &CallApi{cfg: cfg, logger: logger, calls: calls, history: history}
}

type startCallRequest struct {
	CalleeID   string `json:"calleeId" binding:"required"`
	CallerName string `json:"callerName"`
}

// SetIdentity binds the local participant to the authenticated user.
//
// @Router /v1/identity [put]
func (cApi *CallApi) SetIdentity(c *gin.Context) {
	auth, ok := types.GetAuthPrinciple(c)
	if !ok {
		cApi.fail(c, http.StatusUnauthorized, errors.New("unauthenticated request"))
		return
	}
	if err := cApi.calls.SetIdentity(c.Request.Context(), auth.UserId); err != nil {
		cApi.logger.Errorw("failed to set identity", "userId", auth.UserId, "error", err)
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, gin.H{"userId": auth.UserId})
}

// @Router /v1/identity [delete]
func (cApi *CallApi) ClearIdentity(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	if err := cApi.calls.ClearIdentity(c.Request.Context()); err != nil {
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, gin.H{"userId": ""})
}

// @Router /v1/call [get]
func (cApi *CallApi) GetCall(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	cApi.success(c, cApi.calls.Snapshot())
}

// @Router /v1/call [post]
func (cApi *CallApi) StartCall(c *gin.Context) {
	auth, ok := cApi.authorize(c)
	if !ok {
		return
	}
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cApi.fail(c, http.StatusBadRequest, err)
		return
	}
	callerName := req.CallerName
	if callerName == "" {
		callerName = auth.DisplayName()
	}
	snap, err := cApi.calls.StartCall(c.Request.Context(), req.CalleeID, callerName)
	if err != nil {
		cApi.logger.Warnw("failed to start call", "calleeId", req.CalleeID, "error", err)
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, snap)
}

// @Router /v1/call/accept [post]
func (cApi *CallApi) AcceptCall(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	snap, err := cApi.calls.AcceptCall(c.Request.Context())
	if err != nil {
		cApi.logger.Warnw("failed to accept call", "error", err)
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, snap)
}

// @Router /v1/call/decline [post]
func (cApi *CallApi) DeclineCall(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	if err := cApi.calls.DeclineCall(c.Request.Context()); err != nil {
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, cApi.calls.Snapshot())
}

// @Router /v1/call/end [post]
func (cApi *CallApi) EndCall(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	if err := cApi.calls.EndCall(c.Request.Context()); err != nil {
		cApi.logger.Warnw("call ended locally, status write failed", "error", err)
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, cApi.calls.Snapshot())
}

// @Router /v1/call/mic [post]
func (cApi *CallApi) ToggleMic(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	enabled, err := cApi.calls.ToggleMic()
	if err != nil {
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, gin.H{"micEnabled": enabled})
}

// @Router /v1/call/speaker [post]
func (cApi *CallApi) ToggleSpeaker(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	on, err := cApi.calls.ToggleSpeaker()
	if err != nil {
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, gin.H{"speakerOn": on})
}

// @Router /v1/call/camera [post]
func (cApi *CallApi) SwitchCamera(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	facing, err := cApi.calls.SwitchCamera(c.Request.Context())
	if err != nil {
		cApi.failWith(c, err)
		return
	}
	cApi.success(c, gin.H{"facing": facing})
}

// @Router /v1/call/invitation [get]
func (cApi *CallApi) GetInvitation(c *gin.Context) {
	if _, ok := cApi.authorize(c); !ok {
		return
	}
	cApi.success(c, cApi.calls.Snapshot().Invitation)
}

// @Router /v1/call/history [get]
func (cApi *CallApi) GetHistory(c *gin.Context) {
	auth, ok := cApi.authorize(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			cApi.fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	logs, err := cApi.history.List(c.Request.Context(), auth.UserId, limit)
	if err != nil {
		cApi.logger.Errorw("failed to list call history", "userId", auth.UserId, "error", err)
		cApi.fail(c, http.StatusInternalServerError, errors.New("unable to load call history"))
		return
	}
	cApi.success(c, logs)
}

// authorize requires the token to belong to the local identity.
func (cApi *CallApi) authorize(c *gin.Context) (*types.UserPrinciple, bool) {
	auth, ok := types.GetAuthPrinciple(c)
	if !ok {
		cApi.fail(c, http.StatusUnauthorized, errors.New("unauthenticated request"))
		return nil, false
	}
	identity := cApi.calls.Identity()
	if identity == "" {
		cApi.fail(c, http.StatusConflict, internal_callsession.ErrNoIdentity)
		return nil, false
	}
	if identity != auth.UserId {
		cApi.fail(c, http.StatusForbidden, errIdentityMismatch)
		return nil, false
	}
	return auth, true
}

func (cApi *CallApi) success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "success": true, "data": data})
}

func (cApi *CallApi) fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"code": code, "success": false, "error": err.Error()})
}

func (cApi *CallApi) failWith(c *gin.Context, err error) {
	cApi.fail(c, StatusOf(err), err)
}

// StatusOf maps call errors onto HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, internal_media.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, internal_callsession.ErrInvalidCallee),
		errors.Is(err, internal_media.ErrInvalidConstraint):
		return http.StatusBadRequest
	case errors.Is(err, internal_callsession.ErrNoInvitation),
		errors.Is(err, internal_callsession.ErrNoActiveCall),
		errors.Is(err, internal_type.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, internal_callsession.ErrNoIdentity),
		errors.Is(err, internal_callsession.ErrCallInProgress),
		errors.Is(err, internal_callsession.ErrNoOffer),
		errors.Is(err, internal_callsession.ErrCallNotRinging),
		errors.Is(err, internal_callsession.ErrNoLocalMedia),
		errors.Is(err, internal_media.ErrNoVideoTrack),
		errors.Is(err, internal_type.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, internal_callsession.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
