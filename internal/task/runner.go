package task

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/provider"
)

// StoreError marks a failure to persist a task's terminal state. Callers
// distinguish it from provider errors: a provider failure is already
// recorded on the task, while a store failure means the outcome was lost
// and the message should be redelivered.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Runner drives one dispatched task to a terminal state.
type Runner struct {
	repo      *Repo
	registry  *provider.Registry
	timeLimit time.Duration
	log       zerolog.Logger
}

func NewRunner(repo *Repo, registry *provider.Registry, timeLimit time.Duration, log zerolog.Logger) *Runner {
	return &Runner{repo: repo, registry: registry, timeLimit: timeLimit, log: log}
}

// Execute runs the generation and writes exactly one terminal transition.
// Provider errors are recorded on the task and returned so synchronous
// callers can surface them; a *StoreError means the write itself failed.
func (r *Runner) Execute(ctx context.Context, taskID, providerName, model string, params provider.Params) error {
	if r.timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeLimit)
		defer cancel()
	}

	if err := r.repo.MarkRunning(ctx, taskID); err != nil {
		// best-effort: the terminal write still carries its own guard
		r.log.Error().Err(err).Str("task_id", taskID).Msg("mark running failed")
	}

	adapter, err := r.registry.Get(providerName)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}

	result, err := adapter.Call(ctx, model, params)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}

	ok, serr := r.repo.Complete(ctx, taskID, result)
	if serr != nil {
		return &StoreError{Op: "mark task completed", Err: serr}
	}
	if !ok {
		r.log.Info().Str("task_id", taskID).Msg("task already terminal, completed state not written")
		return nil
	}
	r.log.Info().Str("task_id", taskID).Str("model", model).Msg("task completed")
	return nil
}

func (r *Runner) fail(ctx context.Context, taskID string, cause error) error {
	ok, serr := r.repo.Fail(ctx, taskID, cause.Error())
	if serr != nil {
		return &StoreError{Op: "mark task failed", Err: serr}
	}
	if !ok {
		r.log.Info().Str("task_id", taskID).Msg("task already terminal, failed state not written")
	} else {
		r.log.Warn().Err(cause).Str("task_id", taskID).Msg("task failed")
	}
	return cause
}
