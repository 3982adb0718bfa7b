package task

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/provider"
)

func TestRunnerRecordsProviderFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	adapter := &fakeAdapter{
		name:    "fake",
		callErr: &provider.TimeoutError{Provider: "fake", RemoteID: "x", Attempts: 3},
	}
	reg := provider.NewRegistry("fake")
	reg.Register(adapter)
	runner := NewRunner(repo, reg, 0, zerolog.Nop())

	tk := newTask("t1", "u1", "fake-model")
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := runner.Execute(context.Background(), tk.ID, "fake", "fake-model", provider.Params{"prompt": "p"})
	var te *provider.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected the adapter error back, got %v", err)
	}
	var se *StoreError
	if errors.As(err, &se) {
		t.Fatalf("provider failure must not look like a store failure")
	}

	got, _ := repo.GetByID(context.Background(), tk.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
}

func TestRunnerKeepsCancelledTaskTerminal(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	adapter := &fakeAdapter{name: "fake", callResult: &provider.Result{ID: "r"}}
	reg := provider.NewRegistry("fake")
	reg.Register(adapter)
	runner := NewRunner(repo, reg, 0, zerolog.Nop())

	tk := newTask("t1", "u1", "fake-model")
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Cancel(context.Background(), tk.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := runner.Execute(context.Background(), tk.ID, "fake", "fake-model", provider.Params{"prompt": "p"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, _ := repo.GetByID(context.Background(), tk.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("cancelled task must stay cancelled, got %q", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("late result must not be stored")
	}
}

func TestRunnerUnknownProviderFailsTask(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	reg := provider.NewRegistry("fake")
	runner := NewRunner(repo, reg, 0, zerolog.Nop())

	tk := newTask("t1", "u1", "fake-model")
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := runner.Execute(context.Background(), tk.ID, "ghost", "fake-model", provider.Params{})
	var nf *provider.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	got, _ := repo.GetByID(context.Background(), tk.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
}

func TestRunnerReportsStoreFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	adapter := &fakeAdapter{name: "fake", callResult: &provider.Result{ID: "r"}}
	reg := provider.NewRegistry("fake")
	reg.Register(adapter)
	runner := NewRunner(repo, reg, 0, zerolog.Nop())

	tk := newTask("t1", "u1", "fake-model")
	if err := repo.Create(context.Background(), tk); err != nil {
		t.Fatalf("create: %v", err)
	}

	// losing the table makes the terminal write fail
	if err := db.Migrator().DropTable(&Task{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	err := runner.Execute(context.Background(), tk.ID, "fake", "fake-model", provider.Params{"prompt": "p"})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}
