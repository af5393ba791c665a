package providers

import (
	"context"
	"time"

	"github.com/conductor-run/conductor/internal/conderr"
)

// Instance is a named configuration of a provider family: endpoint,
// credential reference, timeout (spec §3 ProviderInstance).
type Instance struct {
	ID                string
	DisplayName       string
	CatalogProviderID string
	Endpoint          string
	Timeout           time.Duration
}

// Credential is the secret half of an Instance, stored and loaded
// separately (spec §6: "credentials stored one-per-file with restricted
// permissions").
type Credential struct {
	APIKey string `json:"apiKey"`
}

// Catalog enumerates the models one provider family supports.
type Catalog struct {
	ProviderID string
	Models     []Model
}

func (c Catalog) find(modelID string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// InstanceSource resolves provider-instance records and their credentials,
// implemented by internal/config over the on-disk layout of spec §6.
type InstanceSource interface {
	GetInstance(ctx context.Context, id string) (Instance, error)
	GetCredential(ctx context.Context, id string) (Credential, error)
}

// CatalogSource resolves a provider family's model catalog.
type CatalogSource interface {
	GetCatalog(ctx context.Context, catalogProviderID string) (Catalog, error)
}

// AdapterConfig is what a Factory needs to build a live Adapter.
type AdapterConfig struct {
	Instance   Instance
	Credential Credential
	Model      string
	MaxTokens  int
}

// Factory builds an Adapter for one catalog provider id ("anthropic",
// "openai", "bedrock", "gemini", "ollama", "openai-compatible").
type Factory func(cfg AdapterConfig) (Adapter, error)

// Registry maps an instance id to a live Adapter (spec §4.3).
type Registry struct {
	instances InstanceSource
	catalogs  CatalogSource
	factories map[string]Factory
}

// NewRegistry builds a Registry over the given instance/catalog sources.
func NewRegistry(instances InstanceSource, catalogs CatalogSource) *Registry {
	return &Registry{instances: instances, catalogs: catalogs, factories: make(map[string]Factory)}
}

// RegisterFactory associates a catalog provider id with the Factory that
// builds adapters for it. Called once per backend family at startup.
func (r *Registry) RegisterFactory(catalogProviderID string, f Factory) {
	r.factories[catalogProviderID] = f
}

// ResolveInstance loads the instance record and its credential, failing
// with Configuration errors the caller can surface verbatim:
// InstanceNotFound, MissingCredentials, CatalogMissing.
func (r *Registry) ResolveInstance(ctx context.Context, instanceID string) (Instance, Credential, error) {
	inst, err := r.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return Instance{}, Credential{}, conderr.Wrap(conderr.Configuration, err, "instance not found").
			WithInstance(instanceID).
			WithRemediation("check provider-instances.json for instance id " + instanceID)
	}
	cred, err := r.instances.GetCredential(ctx, instanceID)
	if err != nil {
		return Instance{}, Credential{}, conderr.Wrap(conderr.Configuration, err, "missing credentials").
			WithInstance(instanceID).
			WithRemediation("write a credential file for instance id " + instanceID)
	}
	if _, err := r.catalogs.GetCatalog(ctx, inst.CatalogProviderID); err != nil {
		return Instance{}, Credential{}, conderr.Wrap(conderr.Configuration, err, "catalog missing").
			WithInstance(instanceID).
			WithRemediation("install a catalog document for provider " + inst.CatalogProviderID)
	}
	return inst, cred, nil
}

// CreateProvider validates modelID against the instance's catalog and
// returns a configured Adapter. It fails with Configuration/ModelNotInCatalog
// if modelID is absent from the catalog.
func (r *Registry) CreateProvider(ctx context.Context, instanceID, modelID string) (Adapter, error) {
	inst, cred, err := r.ResolveInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	catalog, err := r.catalogs.GetCatalog(ctx, inst.CatalogProviderID)
	if err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "catalog missing").WithInstance(instanceID)
	}

	model, ok := catalog.find(modelID)
	if !ok {
		return nil, conderr.New(conderr.Configuration,
			"model "+modelID+" is not in the catalog for "+inst.CatalogProviderID).
			WithInstance(instanceID)
	}

	factory, ok := r.factories[inst.CatalogProviderID]
	if !ok {
		return nil, conderr.New(conderr.Configuration, "no adapter factory registered for "+inst.CatalogProviderID).
			WithInstance(instanceID)
	}

	maxTokens := model.DefaultMaxTokens
	return factory(AdapterConfig{Instance: inst, Credential: cred, Model: modelID, MaxTokens: maxTokens})
}

// Diagnostic is the result of a connectivity check (spec §4.3's
// "diagnostic operation").
type Diagnostic struct {
	Reachable      bool
	RemoteModels   []string
	Message        string
}

// Prober is implemented by adapters that can enumerate remotely available
// models (used by the Ollama adapter to suggest "pull the model X").
type Prober interface {
	Probe(ctx context.Context) (Diagnostic, error)
}

// Diagnose runs the registered adapter's Probe, if it implements Prober,
// and produces an actionable message otherwise degrading gracefully.
func (r *Registry) Diagnose(ctx context.Context, instanceID, modelID string) (Diagnostic, error) {
	adapter, err := r.CreateProvider(ctx, instanceID, modelID)
	if err != nil {
		return Diagnostic{}, err
	}
	prober, ok := adapter.(Prober)
	if !ok {
		return Diagnostic{Reachable: true, Message: "adapter does not support diagnostics"}, nil
	}
	return prober.Probe(ctx)
}
