package providers

import (
	"context"
	"testing"

	"github.com/conductor-run/conductor/internal/conderr"
)

type stubInstanceSource struct {
	instances map[string]Instance
	creds     map[string]Credential
}

func (s stubInstanceSource) GetInstance(ctx context.Context, id string) (Instance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, conderr.New(conderr.Configuration, "no such instance")
	}
	return inst, nil
}

func (s stubInstanceSource) GetCredential(ctx context.Context, id string) (Credential, error) {
	cred, ok := s.creds[id]
	if !ok {
		return Credential{}, conderr.New(conderr.Configuration, "no credential")
	}
	return cred, nil
}

func newTestRegistry() (*Registry, StaticCatalogSource) {
	instances := stubInstanceSource{
		instances: map[string]Instance{
			"anthropic-default": {ID: "anthropic-default", CatalogProviderID: "anthropic"},
			"no-credential":     {ID: "no-credential", CatalogProviderID: "anthropic"},
			"no-catalog":        {ID: "no-catalog", CatalogProviderID: "missing-family"},
		},
		creds: map[string]Credential{
			"anthropic-default": {APIKey: "sk-test"},
			"no-catalog":        {APIKey: "sk-test"},
		},
	}
	catalogs := StaticCatalogSource{
		"anthropic": {ProviderID: "anthropic", Models: []Model{{ID: "claude-haiku-4-5", ContextWindow: 200000, DefaultMaxTokens: 8192}}},
	}
	return NewRegistry(instances, catalogs), catalogs
}

type fakeAdapter struct{ model string }

func (f fakeAdapter) ProviderName() string                    { return "anthropic" }
func (f fakeAdapter) ContextWindow(model string) int           { return 200000 }
func (f fakeAdapter) MaxCompletionTokens(model string) int     { return 8192 }
func (f fakeAdapter) CreateResponse(ctx context.Context, req CompletionRequest, cancel <-chan struct{}) (*ProviderResponse, error) {
	return &ProviderResponse{}, nil
}
func (f fakeAdapter) CreateStreamingResponse(ctx context.Context, req CompletionRequest, cancel <-chan struct{}) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func TestResolveInstanceSuccess(t *testing.T) {
	r, _ := newTestRegistry()
	inst, cred, err := r.ResolveInstance(context.Background(), "anthropic-default")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inst.CatalogProviderID != "anthropic" || cred.APIKey != "sk-test" {
		t.Fatalf("unexpected resolution: %#v %#v", inst, cred)
	}
}

func TestResolveInstanceMissingCredentialIsConfigurationError(t *testing.T) {
	r, _ := newTestRegistry()
	_, _, err := r.ResolveInstance(context.Background(), "no-credential")
	if kind, ok := conderr.KindOf(err); !ok || kind != conderr.Configuration {
		t.Fatalf("got %v, want Configuration error", err)
	}
}

func TestResolveInstanceMissingCatalogIsConfigurationError(t *testing.T) {
	r, _ := newTestRegistry()
	_, _, err := r.ResolveInstance(context.Background(), "no-catalog")
	if kind, ok := conderr.KindOf(err); !ok || kind != conderr.Configuration {
		t.Fatalf("got %v, want Configuration error", err)
	}
}

func TestCreateProviderRejectsModelNotInCatalog(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterFactory("anthropic", func(cfg AdapterConfig) (Adapter, error) { return fakeAdapter{model: cfg.Model}, nil })

	_, err := r.CreateProvider(context.Background(), "anthropic-default", "not-a-real-model")
	if kind, ok := conderr.KindOf(err); !ok || kind != conderr.Configuration {
		t.Fatalf("got %v, want Configuration error for unknown model", err)
	}
}

func TestCreateProviderSucceedsForCatalogedModel(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterFactory("anthropic", func(cfg AdapterConfig) (Adapter, error) { return fakeAdapter{model: cfg.Model}, nil })

	adapter, err := r.CreateProvider(context.Background(), "anthropic-default", "claude-haiku-4-5")
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if adapter.ProviderName() != "anthropic" {
		t.Fatalf("got provider %q", adapter.ProviderName())
	}
}

func TestDiagnoseDegradesGracefullyWithoutProber(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterFactory("anthropic", func(cfg AdapterConfig) (Adapter, error) { return fakeAdapter{model: cfg.Model}, nil })

	diag, err := r.Diagnose(context.Background(), "anthropic-default", "claude-haiku-4-5")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if !diag.Reachable {
		t.Fatalf("expected graceful degrade to reachable=true, got %#v", diag)
	}
}
