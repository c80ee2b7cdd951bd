package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func SetupRoutes(router *gin.Engine, deps Deps, logger *logrus.Logger) {
	handler := NewHandler(deps, logger)

	api := router.Group("/api")
	{
		api.POST("/analyze", handler.SubmitAnalysis)
		api.POST("/analyze/bulk", handler.BulkReanalyze)
		api.GET("/analysis/:job_id", handler.GetJob)
		api.GET("/analysis/:job_id/stream", handler.StreamJob)
		api.DELETE("/analysis/:job_id", handler.CancelJob)
		api.POST("/analysis/resolve", handler.ResolveDuplicate)
		api.GET("/properties", handler.GetProperties)
		api.GET("/properties/:id/changes", handler.GetPropertyChanges)
		api.GET("/properties/:id/availability", handler.GetPropertyAvailability)
		api.GET("/changes/recent", handler.GetRecentChanges)
		api.GET("/telegram/config", handler.GetTelegramConfig)
		api.POST("/telegram/config", handler.UpdateTelegramConfig)
		api.POST("/telegram/test", handler.TestTelegramConfig)
	}
}
