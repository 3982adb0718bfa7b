package handlers

import (
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/videogrid/video-service/internal/artifact"
	"github.com/videogrid/video-service/internal/config"
	"github.com/videogrid/video-service/internal/provider"
	"github.com/videogrid/video-service/internal/store/redisstore"
	"github.com/videogrid/video-service/internal/task"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Redis    *redisstore.Store
	Registry *provider.Registry
	TaskSvc  *task.Service
	Media    *artifact.Resolver
	Log      zerolog.Logger
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, reg *provider.Registry, queue task.Queue, media *artifact.Resolver, log zerolog.Logger) *Handler {
	repo := task.NewRepo(db)
	runner := task.NewRunner(repo, reg, cfg.TaskTimeLimit, log)
	svc := task.NewService(repo, reg, queue, runner, log)
	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Redis:    rds,
		Registry: reg,
		TaskSvc:  svc,
		Media:    media,
		Log:      log,
	}
}
