// Package config implements the persisted-state layout of spec §6: a
// base directory (resolved from $CONDUCTOR_HOME, see profile.go) holding
// provider-instances.json, one credential file per instance under
// credentials/, and one catalog document per provider family under
// user-catalog/. It adapts the teacher's config-loading idiom (YAML/JSON
// decode, then validate against a generated JSON Schema) down to the
// narrow provider-instance surface the spec actually calls for.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsonschemagen "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductor-run/conductor/internal/conderr"
	"github.com/conductor-run/conductor/internal/providers"
)

// InstancesFileVersion is the current on-disk schema version for
// provider-instances.json.
const InstancesFileVersion = 1

// InstanceEntry is the on-disk shape of one provider instance (spec §6).
type InstanceEntry struct {
	DisplayName       string        `json:"displayName"`
	CatalogProviderID string        `json:"catalogProviderId"`
	Endpoint          string        `json:"endpoint,omitempty"`
	Timeout           time.Duration `json:"timeout,omitempty"`
}

// InstancesDocument is the top-level provider-instances.json shape.
type InstancesDocument struct {
	Version   int                      `json:"version"`
	Instances map[string]InstanceEntry `json:"instances"`
}

// InstanceStore loads, validates, and persists provider-instances.json
// plus one 0600-permissioned credential file per instance under
// credentials/. It implements providers.InstanceSource.
type InstanceStore struct {
	baseDir string

	mu  sync.Mutex
	doc InstancesDocument
}

// OpenInstanceStore loads (or lazily initializes) the instances document
// rooted at baseDir. An absent file is treated as an empty, version-1
// document rather than an error, so a fresh install has somewhere to write.
func OpenInstanceStore(baseDir string) (*InstanceStore, error) {
	s := &InstanceStore{baseDir: baseDir}
	raw, err := os.ReadFile(s.instancesPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = InstancesDocument{Version: InstancesFileVersion, Instances: map[string]InstanceEntry{}}
			return s, nil
		}
		return nil, conderr.Wrap(conderr.Configuration, err, "reading provider-instances.json")
	}
	if err := validateInstancesDocument(raw); err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "provider-instances.json failed schema validation")
	}
	var doc InstancesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, conderr.Wrap(conderr.Configuration, err, "parsing provider-instances.json")
	}
	if doc.Instances == nil {
		doc.Instances = map[string]InstanceEntry{}
	}
	s.doc = doc
	return s, nil
}

func (s *InstanceStore) instancesPath() string {
	return filepath.Join(s.baseDir, "provider-instances.json")
}

func (s *InstanceStore) credentialsDir() string {
	return filepath.Join(s.baseDir, "credentials")
}

// GetInstance implements providers.InstanceSource.
func (s *InstanceStore) GetInstance(ctx context.Context, id string) (providers.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.doc.Instances[id]
	if !ok {
		return providers.Instance{}, conderr.New(conderr.Configuration, "no provider instance named "+id).WithInstance(id)
	}
	return providers.Instance{
		ID:                id,
		DisplayName:       entry.DisplayName,
		CatalogProviderID: entry.CatalogProviderID,
		Endpoint:          entry.Endpoint,
		Timeout:           entry.Timeout,
	}, nil
}

// GetCredential implements providers.InstanceSource, reading
// credentials/<id>.json.
func (s *InstanceStore) GetCredential(ctx context.Context, id string) (providers.Credential, error) {
	raw, err := os.ReadFile(filepath.Join(s.credentialsDir(), id+".json"))
	if err != nil {
		return providers.Credential{}, conderr.Wrap(conderr.Configuration, err, "reading credential for "+id).WithInstance(id)
	}
	var cred providers.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return providers.Credential{}, conderr.Wrap(conderr.Configuration, err, "parsing credential for "+id).WithInstance(id)
	}
	return cred, nil
}

// PutInstance adds or replaces an instance record and persists the whole
// document. It does not touch the instance's credential file.
func (s *InstanceStore) PutInstance(ctx context.Context, id string, entry InstanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Instances == nil {
		s.doc.Instances = map[string]InstanceEntry{}
	}
	s.doc.Instances[id] = entry
	if s.doc.Version == 0 {
		s.doc.Version = InstancesFileVersion
	}
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return conderr.Wrap(conderr.Configuration, err, "encoding provider-instances.json")
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return conderr.Wrap(conderr.Configuration, err, "creating base directory")
	}
	if err := os.WriteFile(s.instancesPath(), raw, 0o644); err != nil {
		return conderr.Wrap(conderr.Configuration, err, "writing provider-instances.json")
	}
	return nil
}

// PutCredential writes credentials/<id>.json with 0600 permissions (spec
// §6's "credentials stored one-per-file with restricted permissions").
func (s *InstanceStore) PutCredential(ctx context.Context, id string, cred providers.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return conderr.Wrap(conderr.Configuration, err, "encoding credential for "+id)
	}
	dir := s.credentialsDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return conderr.Wrap(conderr.Configuration, err, "creating credentials directory")
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return conderr.Wrap(conderr.Configuration, err, "writing credential for "+id)
	}
	return nil
}

// ListInstanceIDs returns every configured instance id.
func (s *InstanceStore) ListInstanceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.doc.Instances))
	for id := range s.doc.Instances {
		ids = append(ids, id)
	}
	return ids
}

var (
	instancesSchemaOnce sync.Once
	instancesSchema     *jsonschema.Schema
	instancesSchemaErr  error
)

// validateInstancesDocument checks raw against a JSON Schema reflected
// from InstancesDocument, matching spec §6's "validated against a schema
// on load" requirement.
func validateInstancesDocument(raw []byte) error {
	instancesSchemaOnce.Do(func() {
		reflector := &jsonschemagen.Reflector{FieldNameTag: "json"}
		schema := reflector.Reflect(&InstancesDocument{})
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			instancesSchemaErr = err
			return
		}
		instancesSchema, instancesSchemaErr = jsonschemaCompile(schemaJSON)
	})
	if instancesSchemaErr != nil {
		return instancesSchemaErr
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return instancesSchema.Validate(doc)
}

func jsonschemaCompile(schemaJSON []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("provider-instances.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("provider-instances.schema.json")
}
