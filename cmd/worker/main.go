package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/artifact"
	"github.com/videogrid/video-service/internal/config"
	"github.com/videogrid/video-service/internal/db"
	"github.com/videogrid/video-service/internal/provider"
	"github.com/videogrid/video-service/internal/store/rabbitmq"
	"github.com/videogrid/video-service/internal/task"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", cfg.AppName+"-worker").Logger()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	repo := task.NewRepo(gdb)

	media := artifact.New(cfg.DataDir, cfg.MediaBasePath, cfg.MediaDownloadBaseURL, log)
	reg := buildRegistry(cfg, media, log)
	runner := task.NewRunner(repo, reg, cfg.TaskTimeLimit, log)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial failed")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel failed")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare failed")
	}

	// strict concurrency control
	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos failed")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// sweep stale staged downloads alongside task processing
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				media.CleanupExpired()
			}
		}
	}()

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m task.TaskMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.TaskID == "" {
					log.Error().Err(err).Int("worker", workerID).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				err := runner.Execute(ctx, m.TaskID, m.Provider, m.Model, m.Parameters)

				var se *task.StoreError
				if errors.As(err, &se) {
					// terminal state was lost, let the broker redeliver
					log.Error().Err(se).Int("worker", workerID).Str("task_id", m.TaskID).
						Dur("cost", time.Since(start)).Msg("task state write failed")
					_ = d.Nack(false, false)
					continue
				}
				if err != nil {
					// provider failure already recorded on the task
					log.Warn().Err(err).Int("worker", workerID).Str("task_id", m.TaskID).
						Dur("cost", time.Since(start)).Msg("task failed")
				}

				if err := d.Ack(false); err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("task_id", m.TaskID).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
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
