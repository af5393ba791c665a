package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conductor-run/conductor/internal/providers"
)

func TestInstanceStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenInstanceStore(dir)
	if err != nil {
		t.Fatalf("OpenInstanceStore: %v", err)
	}

	ctx := context.Background()
	if err := store.PutInstance(ctx, "anthropic-main", InstanceEntry{
		DisplayName:       "Anthropic (main)",
		CatalogProviderID: "anthropic",
		Timeout:           30 * time.Second,
	}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}
	if err := store.PutCredential(ctx, "anthropic-main", providers.Credential{APIKey: "sk-test"}); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	reopened, err := OpenInstanceStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	inst, err := reopened.GetInstance(ctx, "anthropic-main")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.CatalogProviderID != "anthropic" {
		t.Errorf("CatalogProviderID = %q, want anthropic", inst.CatalogProviderID)
	}

	cred, err := reopened.GetCredential(ctx, "anthropic-main")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.APIKey != "sk-test" {
		t.Errorf("APIKey = %q, want sk-test", cred.APIKey)
	}
}

func TestInstanceStoreMissingInstance(t *testing.T) {
	store, err := OpenInstanceStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenInstanceStore: %v", err)
	}
	if _, err := store.GetInstance(context.Background(), "nope"); err == nil {
		t.Error("expected an error for an unknown instance id")
	}
}

func TestInstanceStoreRejectsMalformedDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenInstanceStore(dir)
	if err != nil {
		t.Fatalf("OpenInstanceStore: %v", err)
	}
	if err := store.PutInstance(context.Background(), "a", InstanceEntry{CatalogProviderID: "anthropic"}); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	// Overwrite with JSON that violates the generated schema (wrong type
	// for "version").
	bad := []byte(`{"version":"not-a-number","instances":{}}`)
	if err := os.WriteFile(filepath.Join(dir, "provider-instances.json"), bad, 0o644); err != nil {
		t.Fatalf("writing malformed document: %v", err)
	}

	if _, err := OpenInstanceStore(dir); err == nil {
		t.Error("expected schema validation to reject a malformed document")
	}
}
