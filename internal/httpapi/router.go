package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/videogrid/video-service/internal/artifact"
	"github.com/videogrid/video-service/internal/auth"
	"github.com/videogrid/video-service/internal/common"
	"github.com/videogrid/video-service/internal/config"
	"github.com/videogrid/video-service/internal/httpapi/handlers"
	"github.com/videogrid/video-service/internal/httpapi/middleware"
	"github.com/videogrid/video-service/internal/provider"
	"github.com/videogrid/video-service/internal/store/redisstore"
	"github.com/videogrid/video-service/internal/task"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, reg *provider.Registry, queue task.Queue, media *artifact.Resolver, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, reg, queue, media, log)

	r.GET("/api/health", h.Health)

	verifier := auth.NewVerifier(
		cfg.JWTSecret,
		cfg.ServiceName,
		cfg.AuthServiceURL+cfg.VerifyTokenURL,
		cfg.AuthServiceURL+cfg.VerifyAPIKeyURL,
		rds,
		log,
	)

	api := r.Group("/api")
	api.Use(middleware.Auth(verifier, cfg.EnableAuth))

	// tasks
	api.POST("/tasks", h.CreateTask)
	api.GET("/tasks", h.ListTasks)
	api.GET("/tasks/:task_id/status", h.GetTaskStatus)
	api.GET("/tasks/:task_id/result", h.GetTaskResult)
	api.POST("/tasks/:task_id/cancel", h.CancelTask)

	// models
	api.GET("/models", h.GetSupportedModels)
	api.GET("/models/all", h.GetAllModelsFlat)
	api.GET("/models/by-provider/:provider_name", h.GetProviderModels)

	// artifacts
	api.GET("/download/:file_name", h.DownloadFile)
	r.Static(cfg.MediaBasePath, cfg.DataDir)

	return r
}
