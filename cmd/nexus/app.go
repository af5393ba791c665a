package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/conductor-run/conductor/internal/config"
	"github.com/conductor-run/conductor/internal/events"
	"github.com/conductor-run/conductor/internal/mcp"
	"github.com/conductor-run/conductor/internal/observability"
	"github.com/conductor-run/conductor/internal/profile"
	"github.com/conductor-run/conductor/internal/providers"
	"github.com/conductor-run/conductor/internal/providers/anthropic"
	"github.com/conductor-run/conductor/internal/providers/bedrock"
	"github.com/conductor-run/conductor/internal/providers/gemini"
	"github.com/conductor-run/conductor/internal/providers/ollama"
	"github.com/conductor-run/conductor/internal/providers/openai"
	"github.com/conductor-run/conductor/internal/threads"
	"github.com/conductor-run/conductor/internal/toolexec"
	"github.com/conductor-run/conductor/internal/usage"
)

// app bundles the long-lived components every command needs: the event
// store, the Thread Manager built on top of it, the provider Registry,
// the shared builtin Tool Executor registry, and a structured logger.
type app struct {
	baseDir   string
	store     events.Store
	threads   *threads.Manager
	instances *reloadableInstanceSource
	registry  *providers.Registry
	tools     *toolexec.Registry
	logger    *observability.Logger
	metrics   *observability.Metrics
	usage     *usage.Tracker
	mcp       *mcp.Manager
}

// reloadableInstanceSource lets a long-running serve process pick up an
// edited provider-instances.json without restarting: the watcher in
// commands_serve.go calls reload on filesystem change notifications and
// every subsequent Registry lookup observes the new InstanceStore.
type reloadableInstanceSource struct {
	current atomic.Pointer[config.InstanceStore]
}

func newReloadableInstanceSource(store *config.InstanceStore) *reloadableInstanceSource {
	s := &reloadableInstanceSource{}
	s.current.Store(store)
	return s
}

func (s *reloadableInstanceSource) GetInstance(ctx context.Context, id string) (providers.Instance, error) {
	return s.current.Load().GetInstance(ctx, id)
}

func (s *reloadableInstanceSource) GetCredential(ctx context.Context, id string) (providers.Credential, error) {
	return s.current.Load().GetCredential(ctx, id)
}

// reload re-opens the on-disk instance store, swapping it in atomically.
func (s *reloadableInstanceSource) reload(baseDir string) error {
	store, err := config.OpenInstanceStore(baseDir)
	if err != nil {
		return err
	}
	s.current.Store(store)
	return nil
}

func newApp(ctx context.Context) (*app, func() error, error) {
	baseDir := profile.BaseDir()
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create base directory: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  envOr("CONDUCTOR_LOG_LEVEL", "info"),
		Format: envOr("CONDUCTOR_LOG_FORMAT", "text"),
	})

	store, err := openStore(ctx, baseDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store: %w", err)
	}

	instanceStore, err := config.OpenInstanceStore(baseDir)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open provider instances: %w", err)
	}
	instances := newReloadableInstanceSource(instanceStore)

	catalogs := providers.NewFileCatalogSource(filepath.Join(baseDir, "user-catalog"))
	registry := providers.NewRegistry(instances, catalogs)
	registerProviderFactories(registry)

	tools := toolexec.NewRegistry()
	if err := tools.Register(toolexec.EchoTool{}); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("register builtin tools: %w", err)
	}

	mcpManager, err := loadMCPTools(ctx, baseDir, tools, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("start MCP servers: %w", err)
	}

	a := &app{
		baseDir:   baseDir,
		store:     store,
		threads:   threads.New(store),
		instances: instances,
		registry:  registry,
		tools:     tools,
		logger:    logger,
		metrics:   observability.NewMetrics(),
		usage:     usage.NewTracker(usage.DefaultTrackerConfig()),
		mcp:       mcpManager,
	}
	closeFn := func() error {
		if a.mcp != nil {
			_ = a.mcp.Stop()
		}
		return store.Close()
	}
	return a, closeFn, nil
}

// loadMCPTools reads mcp-servers.yaml from baseDir, if present, connects to
// every server it lists (spec §4.7's note that MCP servers are an
// additional tool source alongside builtins), and registers their tools,
// resources, and prompts into tools. A missing file is not an error: MCP
// is an opt-in capability.
func loadMCPTools(ctx context.Context, baseDir string, tools *toolexec.Registry, logger *observability.Logger) (*mcp.Manager, error) {
	path := filepath.Join(baseDir, "mcp-servers.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg mcp.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Enabled = true

	mgr := mcp.NewManager(&cfg, nil)
	if err := mgr.Start(ctx); err != nil {
		logger.Warn(ctx, "mcp server startup failed", "error", err)
	}
	if _, err := mcp.RegisterTools(tools, mgr); err != nil {
		return nil, fmt.Errorf("register mcp tools: %w", err)
	}
	return mgr, nil
}

// registerProviderFactories wires every adapter package this module
// depends on into the Registry under its catalog provider id, including
// the generic OpenAI-wire-compatible family served by CompatFactoryFunc
// (spec §4.4a).
func registerProviderFactories(r *providers.Registry) {
	r.RegisterFactory("anthropic", anthropic.FactoryFunc)
	r.RegisterFactory("openai", openai.FactoryFunc)
	r.RegisterFactory("openai-compatible", openai.CompatFactoryFunc)
	r.RegisterFactory("bedrock", bedrock.FactoryFunc)
	r.RegisterFactory("gemini", gemini.FactoryFunc)
	r.RegisterFactory("ollama", ollama.FactoryFunc)
}

// openStore picks the Event Store backend per SPEC_FULL.md §4.1a: the
// embedded pure-Go SQLite file by default (the "event-store database
// file" of a single-user home-directory install, §6), or Postgres/
// CockroachDB when DATABASE_URL is set, for multi-tenant or shared
// deployments. CONDUCTOR_DB_DRIVER=postgres requires DATABASE_URL
// explicitly rather than silently falling back to SQLite on a typo.
func openStore(ctx context.Context, baseDir string) (events.Store, error) {
	driver := envOr("CONDUCTOR_DB_DRIVER", "")
	dsn := os.Getenv("DATABASE_URL")
	if driver == "postgres" || (driver == "" && dsn != "") {
		if dsn == "" {
			return nil, fmt.Errorf("CONDUCTOR_DB_DRIVER=postgres requires DATABASE_URL")
		}
		return events.OpenPostgresDSN(ctx, dsn, events.DefaultPostgresConfig())
	}
	dbPath := filepath.Join(baseDir, "conductor.db")
	return events.OpenSQLite(ctx, dbPath)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
