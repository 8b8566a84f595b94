package call_routers

import (
	"github.com/gin-gonic/gin"

	callApi "github.com/rapidaai/memorykeeper/api/call-api/api/call"
	"github.com/rapidaai/memorykeeper/api/call-api/config"
	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/middlewares"
)

func CallApiRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	calls callApi.CallService,
	history callApi.HistoryLister,
) {
	logger.Info("Call lifecycle routes added to engine.")
	apiv1 := engine.Group("/v1")
	apiv1.Use(middlewares.NewAuthenticationMiddleware(cfg.Secret, logger))
	cApi := callApi.New(cfg, logger, calls, history)
	{
		apiv1.PUT("/identity", cApi.SetIdentity)
		apiv1.DELETE("/identity", cApi.ClearIdentity)

		apiv1.GET("/call", cApi.GetCall)
		apiv1.POST("/call", cApi.StartCall)
		apiv1.POST("/call/accept", cApi.AcceptCall)
		apiv1.POST("/call/decline", cApi.DeclineCall)
		apiv1.POST("/call/end", cApi.EndCall)
		apiv1.POST("/call/mic", cApi.ToggleMic)
		apiv1.POST("/call/speaker", cApi.ToggleSpeaker)
		apiv1.POST("/call/camera", cApi.SwitchCamera)
		apiv1.GET("/call/invitation", cApi.GetInvitation)
		apiv1.GET("/call/events", cApi.Events)
		apiv1.GET("/call/history", cApi.GetHistory)
	}
}
