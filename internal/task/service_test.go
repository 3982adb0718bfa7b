package task

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/videogrid/video-service/internal/provider"
)

// fakeAdapter implements provider.Provider with scripted outcomes.
type fakeAdapter struct {
	name        string
	validateErr error
	callResult  *provider.Result
	callErr     error
	calls       int
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) SupportedModels() []string { return []string{"fake-model"} }

func (f *fakeAdapter) Validate(model string, params provider.Params) (provider.Params, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	v := params.Clone()
	v["normalized"] = true
	return v, nil
}

func (f *fakeAdapter) Call(ctx context.Context, model string, params provider.Params) (*provider.Result, error) {
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

type fakeQueue struct {
	published []TaskMessage
	err       error
}

func (q *fakeQueue) PublishTask(ctx context.Context, msg TaskMessage) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, msg)
	return nil
}

func newTestService(t *testing.T, adapter *fakeAdapter, queue *fakeQueue) (*Service, *Repo) {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := provider.NewRegistry(adapter.name)
	reg.Register(adapter)
	runner := NewRunner(repo, reg, 0, zerolog.Nop())
	return NewService(repo, reg, queue, runner, zerolog.Nop()), repo
}

func TestCreateValidationFailureLeavesNoRecord(t *testing.T) {
	adapter := &fakeAdapter{
		name:        "fake",
		validateErr: &provider.ValidationError{Message: "missing prompt"},
	}
	svc, repo := newTestService(t, adapter, &fakeQueue{})

	_, err := svc.Create(context.Background(), "t1", "u1", "fake", "fake-model", provider.Params{}, true)
	var ve *provider.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	_, total, err := repo.List(context.Background(), ListFilter{TenantID: "t1"}, 1, 10, "-created_at")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 {
		t.Fatalf("invalid request must not persist a task, found %d", total)
	}
}

func TestCreateAsyncPublishesValidatedParams(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	queue := &fakeQueue{}
	svc, repo := newTestService(t, adapter, queue)

	id, err := svc.Create(context.Background(), "t1", "u1", "fake", "fake-model",
		provider.Params{"prompt": "p"}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(queue.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(queue.published))
	}
	msg := queue.published[0]
	if msg.TaskID != id || msg.Provider != "fake" || msg.Model != "fake-model" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Parameters["normalized"] != true {
		t.Fatalf("expected validated params in message, got %v", msg.Parameters)
	}

	got, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("async task should stay pending until the worker runs, got %q", got.Status)
	}
	if !got.IsAsync {
		t.Fatalf("expected is_async to be set")
	}
	if adapter.calls != 0 {
		t.Fatalf("async create must not call the adapter")
	}
}

func TestCreateWithoutUserFallsBackToSystem(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	svc, repo := newTestService(t, adapter, &fakeQueue{})

	id, err := svc.Create(context.Background(), "t1", "", "fake", "fake-model",
		provider.Params{"prompt": "p"}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), id)
	if got.UserID != SystemUserID {
		t.Fatalf("expected system user, got %q", got.UserID)
	}
}

func TestCreateSyncCompletesInline(t *testing.T) {
	adapter := &fakeAdapter{
		name:       "fake",
		callResult: &provider.Result{ID: "r1", Model: "fake-model"},
	}
	queue := &fakeQueue{}
	svc, repo := newTestService(t, adapter, queue)

	id, err := svc.Create(context.Background(), "t1", "u1", "fake", "fake-model",
		provider.Params{"prompt": "p"}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(queue.published) != 0 {
		t.Fatalf("sync create must not publish")
	}

	got, _ := repo.GetByID(context.Background(), id)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.Result == nil || got.Result.ID != "r1" {
		t.Fatalf("expected stored result, got %+v", got.Result)
	}
}

func TestCreateSyncSurfacesAdapterError(t *testing.T) {
	adapter := &fakeAdapter{
		name:    "fake",
		callErr: &provider.RemoteError{Provider: "fake", Message: "task failed"},
	}
	svc, repo := newTestService(t, adapter, &fakeQueue{})

	id, err := svc.Create(context.Background(), "t1", "u1", "fake", "fake-model",
		provider.Params{"prompt": "p"}, false)
	var re *provider.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected task id even on sync failure")
	}

	got, _ := repo.GetByID(context.Background(), id)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if got.Error == nil {
		t.Fatalf("expected error to be recorded")
	}
}

func TestCreatePublishFailureMarksTaskFailed(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	queue := &fakeQueue{err: errors.New("broker down")}
	svc, repo := newTestService(t, adapter, queue)

	_, err := svc.Create(context.Background(), "t1", "u1", "fake", "fake-model",
		provider.Params{"prompt": "p"}, true)
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}

	tasks, _, lerr := repo.List(context.Background(), ListFilter{TenantID: "t1"}, 1, 10, "-created_at")
	if lerr != nil {
		t.Fatalf("list: %v", lerr)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed {
		t.Fatalf("expected a single failed task, got %+v", tasks)
	}
}

func TestCancelMissingTask(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	svc, _ := newTestService(t, adapter, &fakeQueue{})

	_, err := svc.Cancel(context.Background(), "no-such-id")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}
