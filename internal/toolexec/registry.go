// Package toolexec implements the Tool Executor (spec §4.5): a
// name-unique tool registry, schema validation at registration time, and
// dispatch that never throws to the caller — every failure comes back as
// an error-typed ToolResult so it stays part of the event log.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductor-run/conductor/internal/conderr"
)

// Tool is a single invocable capability published to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the tool's JSON Schema input document.
	Schema() json.RawMessage
	// Execute runs the tool against args, the raw JSON arguments the
	// model supplied. It may return an error; Registry.Execute always
	// converts that into an error-typed Result rather than propagating it.
	Execute(ctx context.Context, args json.RawMessage) (Result, error)
}

// Result is the outcome of a tool invocation, matching the event log's
// ToolResultData content-block shape.
type Result struct {
	Content []ContentBlock
	IsError bool
}

// ContentBlock mirrors events.ContentBlock so callers don't need to
// import the events package just to build a Result.
type ContentBlock struct {
	Type string
	Text string
}

// TextResult builds a single-block text Result.
func TextResult(text string, isError bool) Result {
	return Result{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: isError}
}

// Registry is a name-unique collection of registered tools with schemas
// validated once at registration time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool to the registry. It fails with a Configuration error
// if tool.Name() is already registered or tool.Schema() does not compile
// as JSON Schema.
func (r *Registry) Register(tool Tool) error {
	if _, err := compileSchema(tool.Name(), tool.Schema()); err != nil {
		return conderr.Wrap(conderr.Configuration, err, fmt.Sprintf("tool %q has an invalid schema", tool.Name()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return conderr.New(conderr.Configuration, fmt.Sprintf("tool %q is already registered", tool.Name()))
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schema describes one tool as published to the model (spec §3).
type Schema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ListSchemas returns every registered tool's schema, for handing to a
// provider call.
func (r *Registry) ListSchemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Schema{Name: t.Name(), Description: t.Description(), InputSchema: t.Schema()})
	}
	return out
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[string]*jsonschema.Schema{}
)

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(schema)

	schemaCacheMu.Lock()
	if cached, ok := schemaCache[key]; ok {
		schemaCacheMu.Unlock()
		return cached, nil
	}
	schemaCacheMu.Unlock()

	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}

	schemaCacheMu.Lock()
	schemaCache[key] = compiled
	schemaCacheMu.Unlock()
	return compiled, nil
}
