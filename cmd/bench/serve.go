package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/as7265x_bench/internal/handlers"
	"github.com/tphummel/as7265x_bench/internal/metrics"
	"github.com/tphummel/as7265x_bench/internal/middleware"
	"github.com/tphummel/as7265x_bench/internal/sensor"
)

// newServer registers every route on a fresh mux. API routes need the
// Bearer token; health, metrics and docs do not.
func newServer(h *handlers.Handler, token string, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, next http.Handler) {
		mux.Handle(pattern, metrics.Middleware(pattern, next))
	}
	api := func(pattern string, f http.HandlerFunc) {
		route(pattern, middleware.Auth(token, f))
	}

	route("GET /healthz", http.HandlerFunc(h.Health))
	mux.Handle("GET /metrics", metrics.Handler(gatherer))
	mux.HandleFunc("GET /openapi.yaml", h.OpenAPISpec)
	mux.HandleFunc("GET /docs", h.Docs)

	api("GET /api/v1/platforms", h.ListPlatforms)
	api("GET /api/v1/platforms/{id}", h.GetPlatform)
	api("GET /api/v1/selection", h.GetSelection)
	api("PUT /api/v1/selection", h.PutSelection)
	api("POST /api/v1/commands/{op}", h.RenderCommand)
	api("POST /api/v1/runs", h.CreateRun)
	api("GET /api/v1/runs", h.ListRuns)
	api("GET /api/v1/runs/{id}", h.GetRun)

	skip := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	return middleware.RequestLogger(logger, skip, mux)
}

func (c *cli) serve(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if c.cfg.Token == "" {
		return errors.New("API_TOKEN environment variable is required")
	}
	b, err := c.bench()
	if err != nil {
		return err
	}
	d, err := c.database()
	if err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer, b)

	h := &handlers.Handler{
		Bench:   b,
		Tester:  sensor.NewTester(b, c.logger),
		DB:      d,
		Version: version,
		Commit:  commit,
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", c.cfg.Port),
		Handler:           newServer(h, c.cfg.Token, prometheus.DefaultGatherer, c.logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errc := make(chan error, 1)
	go func() {
		c.logger.Info("listening", "addr", srv.Addr, "platforms", len(b.Platforms()), "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server error: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	c.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	c.logger.Info("server stopped")
	return nil
}
