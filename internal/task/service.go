package task

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/provider"
)

// TaskMessage is the dispatch payload published for asynchronous tasks.
// Parameters are the validated, normalized params so the worker never
// re-validates user input.
type TaskMessage struct {
	TaskID     string          `json:"task_id"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Parameters provider.Params `json:"parameters"`
}

type Queue interface {
	PublishTask(ctx context.Context, msg TaskMessage) error
}

// Service orchestrates the task lifecycle: validate up front, persist,
// then either dispatch to the queue or execute inline.
type Service struct {
	repo     *Repo
	registry *provider.Registry
	queue    Queue
	runner   *Runner
	log      zerolog.Logger
}

func NewService(repo *Repo, registry *provider.Registry, queue Queue, runner *Runner, log zerolog.Logger) *Service {
	return &Service{repo: repo, registry: registry, queue: queue, runner: runner, log: log}
}

// Create validates the request against the target adapter before anything
// is persisted, so an invalid request leaves no task record behind. For
// async tasks the id returns immediately after dispatch; for sync tasks the
// call blocks until the task is terminal and any provider error is returned
// alongside the id.
func (s *Service) Create(ctx context.Context, tenantID, userID, providerName, model string, params provider.Params, isAsync bool) (string, error) {
	if userID == "" {
		userID = SystemUserID
	}

	var (
		adapter provider.Provider
		err     error
	)
	if providerName == "" {
		adapter, err = s.registry.Default()
	} else {
		adapter, err = s.registry.Get(providerName)
	}
	if err != nil {
		return "", err
	}

	validated, err := adapter.Validate(model, params)
	if err != nil {
		return "", err
	}

	t := &Task{
		ID:         NewID(),
		TenantID:   tenantID,
		UserID:     userID,
		Provider:   adapter.Name(),
		Model:      model,
		Parameters: validated,
		IsAsync:    isAsync,
		Status:     StatusPending,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return "", err
	}

	if !isAsync {
		err := s.runner.Execute(ctx, t.ID, adapter.Name(), model, validated)
		return t.ID, err
	}

	msg := TaskMessage{
		TaskID:     t.ID,
		Provider:   adapter.Name(),
		Model:      model,
		Parameters: validated,
	}
	if err := s.queue.PublishTask(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("publish task failed")
		if _, ferr := s.repo.Fail(ctx, t.ID, "dispatch failed: "+err.Error()); ferr != nil {
			s.log.Error().Err(ferr).Str("task_id", t.ID).Msg("mark dispatch failure failed")
		}
		return "", err
	}
	s.log.Info().Str("task_id", t.ID).Str("provider", adapter.Name()).Str("model", model).
		Msg("task dispatched")
	return t.ID, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.repo.GetByID(ctx, id)
}

// Cancel marks a pending or running task cancelled. It reports false when
// the task is already terminal; a missing task surfaces as a repo error
// from the existence check.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return false, err
	}
	return s.repo.Cancel(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, page, pageSize int, ordering string) ([]Task, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if ordering == "" {
		ordering = "-created_at"
	}
	return s.repo.List(ctx, f, page, pageSize, ordering)
}
