// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the conductor agent runtime.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics cover the Provider Abstraction Layer's request volume/latency/
// token accounting and the HTTP surface `serve` exposes:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... call a Provider Adapter ...
//	metrics.RecordLLMRequest(instanceID, model, status, time.Since(start).Seconds(),
//	    promptTokens, completionTokens)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	logger.Info(ctx, "turn started", "agent", agentID, "model", model)
//	logger.Error(ctx, "provider call failed", "error", err, "api_key", apiKey) // redacted
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track requests across the
// CLI's HTTP surface:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:  "conductor",
//	    Endpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
//	    SamplingRate: 0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
//	defer span.End()
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens and Bearer tokens
//   - Custom patterns via configuration
package observability
