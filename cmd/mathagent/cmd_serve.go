package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/mathagent/internal/config"
	"github.com/Kocoro-lab/mathagent/internal/health"
	"github.com/Kocoro-lab/mathagent/internal/httpapi"
)

const sessionSweepInterval = 5 * time.Minute

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with SSE and websocket streaming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Service.HTTPAddr = addr
			}
			return serve(cmd.Context(), c.cfg, c.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides service.http_addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var jm *httpapi.JWTManager
	if cfg.Auth.Enabled {
		jm = httpapi.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("HTTP authentication disabled")
	}
	handler := httpapi.NewRouter(
		httpapi.NewHandler(a.engine, a.sessions, logger),
		httpapi.NewStreamingHandler(a.streams, logger),
		health.NewHTTPHandler(a.health, logger),
		jm,
		logger,
	)

	stopWatchers := a.watchConfig(ctx)
	defer stopWatchers()

	srv := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	servers := []*http.Server{srv}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Service.HTTPAddr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			logger.Info("HTTP server listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(sessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := a.sessions.CleanupExpired(); n > 0 {
					logger.Info("Removed expired threads", zap.Int("count", n))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down HTTP servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown failed", zap.String("addr", s.Addr), zap.Error(err))
			}
		}
		return nil
	})
	return g.Wait()
}

// watchConfig hot-reloads the guardrail keyword file and, when the
// admission policy is enabled, the rego modules. Watch failures are logged
// and the service keeps its startup configuration.
func (a *app) watchConfig(ctx context.Context) func() {
	var managers []*config.Manager

	if name := a.cfg.Guardrails.File; name != "" {
		path := a.configPath(name)
		m, err := config.NewManager(filepath.Dir(path), a.logger)
		if err != nil {
			a.logger.Warn("Guardrail hot reload unavailable", zap.Error(err))
		} else {
			m.RegisterHandler(filepath.Base(path), a.filter.ReloadHandler())
			if err := m.Start(ctx); err != nil {
				a.logger.Warn("Guardrail watcher failed to start", zap.Error(err))
			} else {
				managers = append(managers, m)
			}
		}
	}

	if a.policy != nil {
		m, err := config.NewManager(a.cfg.Policy.Path, a.logger)
		if err != nil {
			a.logger.Warn("Policy hot reload unavailable", zap.Error(err))
		} else {
			m.RegisterPolicyHandler(a.policy.Reload)
			if err := m.Start(ctx); err != nil {
				a.logger.Warn("Policy watcher failed to start", zap.Error(err))
			} else {
				managers = append(managers, m)
			}
		}
	}

	return func() {
		for _, m := range managers {
			_ = m.Stop()
		}
	}
}
