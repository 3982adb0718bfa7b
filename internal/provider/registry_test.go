package provider

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	name   string
	models []string
}

func (s *stubProvider) Name() string              { return s.name }
func (s *stubProvider) SupportedModels() []string { return s.models }

func (s *stubProvider) Validate(model string, params Params) (Params, error) {
	return params.Clone(), nil
}

func (s *stubProvider) Call(ctx context.Context, model string, params Params) (*Result, error) {
	return &Result{Model: model}, nil
}

func TestRegistryLookupIsCaseSensitive(t *testing.T) {
	reg := NewRegistry("aliyun")
	reg.Register(&stubProvider{name: "aliyun"})

	if _, err := reg.Get("aliyun"); err != nil {
		t.Fatalf("expected exact match to succeed: %v", err)
	}

	_, err := reg.Get("Aliyun")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Name != "Aliyun" {
		t.Fatalf("unexpected name in error: %q", nf.Name)
	}
	if len(nf.Available) != 1 || nf.Available[0] != "aliyun" {
		t.Fatalf("unexpected available list: %v", nf.Available)
	}
}

func TestRegistryDefault(t *testing.T) {
	reg := NewRegistry("zhipuai")
	reg.Register(&stubProvider{name: "aliyun"})
	reg.Register(&stubProvider{name: "zhipuai"})

	p, err := reg.Default()
	if err != nil {
		t.Fatalf("default lookup failed: %v", err)
	}
	if p.Name() != "zhipuai" {
		t.Fatalf("expected default zhipuai, got %q", p.Name())
	}
}

func TestRegistryReRegisterKeepsOrder(t *testing.T) {
	reg := NewRegistry("a")
	reg.Register(&stubProvider{name: "a", models: []string{"one"}})
	reg.Register(&stubProvider{name: "b"})
	reg.Register(&stubProvider{name: "a", models: []string{"two"}})

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(all))
	}
	if all[0].Name() != "a" || all[1].Name() != "b" {
		t.Fatalf("unexpected order: %q, %q", all[0].Name(), all[1].Name())
	}

	p, err := reg.Get("a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got := p.SupportedModels(); len(got) != 1 || got[0] != "two" {
		t.Fatalf("expected later registration to win, got %v", got)
	}
}
