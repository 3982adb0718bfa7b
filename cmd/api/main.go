package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/artifact"
	"github.com/videogrid/video-service/internal/config"
	"github.com/videogrid/video-service/internal/db"
	"github.com/videogrid/video-service/internal/httpapi"
	"github.com/videogrid/video-service/internal/provider"
	"github.com/videogrid/video-service/internal/store/rabbitmq"
	"github.com/videogrid/video-service/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", cfg.AppName).Logger()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(context.Background()); err != nil {
		// auth verdict caching degrades to remote-only verification
		log.Warn().Err(err).Msg("redis unavailable")
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit connect failed")
	}
	defer pub.Close()

	media := artifact.New(cfg.DataDir, cfg.MediaBasePath, cfg.MediaDownloadBaseURL, log)
	reg := buildRegistry(cfg, media, log)

	r := httpapi.NewRouter(gdb, cfg, rds, reg, pub, media, log)

	log.Info().Str("addr", cfg.HTTPAddr).Msg("api listening")
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func buildRegistry(cfg config.Config, media *artifact.Resolver, log zerolog.Logger) *provider.Registry {
	reg := provider.NewRegistry(cfg.DefaultProvider)
	reg.Register(provider.NewAliyun(provider.AliyunOptions{
		APIKey:       cfg.AliyunAPIKey,
		APIURL:       cfg.AliyunAPIURL,
		Models:       cfg.AliyunSupportedModels,
		DataDir:      cfg.DataDir,
		PollInterval: cfg.PollInterval,
		PollMaxTries: cfg.PollMaxTries,
	}, media, log))
	reg.Register(provider.NewZhipu(provider.ZhipuOptions{
		APIKey:       cfg.ZhipuAPIKey,
		Models:       cfg.ZhipuSupportedModels,
		DataDir:      cfg.DataDir,
		PollInterval: cfg.PollInterval,
		PollMaxTries: cfg.PollMaxTries,
	}, media, log))
	return reg
}
