package app

import (
	"context"
	"errors"
	"testing"

	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
	"github.com/dharsanguruparan/ScribeDrop/internal/engine"
	"github.com/dharsanguruparan/ScribeDrop/internal/model"
	"github.com/dharsanguruparan/ScribeDrop/internal/processing"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment:   "development",
		Backend:       config.BackendMemory,
		Engine:        config.EngineMock,
		Language:      "en",
		SigningSecret: []byte("secret"),
		PublicBaseURL: "http://localhost:8080",
		Workers:       1,
	}
}

func TestNewMemoryBackend(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if a.Blobs == nil {
		t.Fatalf("memory backend should serve signed links")
	}
	if _, ok := a.Queue.(*processing.Processor); !ok {
		t.Fatalf("expected in-process queue, got %T", a.Queue)
	}
	if _, ok := a.Engine.(*engine.Mock); !ok {
		t.Fatalf("expected mock engine, got %T", a.Engine)
	}
	job, err := a.Jobs.Create(ctx, "doc-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.State != model.StateCreated {
		t.Fatalf("expected created, got %s", job.State)
	}
	if err := a.Rules.AddRule(ctx, "doc-1", corrections.Rule{Before: "a", After: "b"}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	rules, err := a.Rules.ListRules(ctx, "doc-1")
	if err != nil || len(rules) != 1 {
		t.Fatalf("expected one rule, got %v %v", rules, err)
	}
	deps := a.APIDeps()
	if deps.Jobs == nil || deps.Pipeline == nil || deps.Watchdog == nil || deps.Engine == nil {
		t.Fatalf("incomplete api deps %+v", deps)
	}
}

func TestNewRefusesMockInProduction(t *testing.T) {
	cfg := memoryConfig()
	cfg.Environment = "production"
	if _, err := New(context.Background(), cfg); !errors.Is(err, engine.ErrMockInProduction) {
		t.Fatalf("expected mock refusal, got %v", err)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "sqlite"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
