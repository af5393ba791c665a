package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/conductor-run/conductor/internal/observability"
)

// newServeCmd starts the long-running process: an HTTP server exposing
// /metrics and /healthz, a filesystem watcher that hot-reloads provider
// instances, and (when OTEL_EXPORTER_OTLP_ENDPOINT is set) span export
// for turn and provider-call tracing.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics/health HTTP server and watch provider instances for changes",
		Long: `serve keeps a conductor process alive for operational use: it exposes
Prometheus metrics and a health check over HTTP, and watches
provider-instances.json so edits take effect without a restart.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "address to serve /metrics and /healthz on")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	a, closeApp, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "conductor",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher, err := newInstanceWatcher(a)
	if err != nil {
		return fmt.Errorf("start provider-instances watcher: %w", err)
	}
	go watcher.run(ctx, a.logger)
	defer watcher.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	a.logger.Info(ctx, "serve started", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	a.logger.Info(ctx, "shutdown signal received, draining connections")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		a.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
	return nil
}

// instanceWatcher reloads the application's InstanceSource whenever
// provider-instances.json or the credentials directory changes on disk,
// so a running serve process picks up new or edited provider instances
// without restarting.
type instanceWatcher struct {
	fs *fsnotify.Watcher
	a  *app
}

func newInstanceWatcher(a *app) (*instanceWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{a.baseDir, filepath.Join(a.baseDir, "credentials")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			fs.Close()
			return nil, err
		}
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, err
		}
	}
	return &instanceWatcher{fs: fs, a: a}, nil
}

func (w *instanceWatcher) run(ctx context.Context, logger *observability.Logger) {
	var debounce *time.Timer
	reload := func() {
		if err := w.a.instances.reload(w.a.baseDir); err != nil {
			logger.Warn(ctx, "provider instances reload failed", "error", err)
			return
		}
		logger.Info(ctx, "provider instances reloaded")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn(ctx, "provider instances watcher error", "error", err)
		}
	}
}

func (w *instanceWatcher) Close() error {
	return w.fs.Close()
}
