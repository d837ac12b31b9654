// Package main runs the commerce gateway: one HTTP listener per surface
// (site, client, admin), each behind its security pipeline, plus a metrics
// listener and the housekeeping scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/lumen-commerce/commerce_layer/internal/billing"
	"github.com/lumen-commerce/commerce_layer/internal/config"
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/gateway"
	"github.com/lumen-commerce/commerce_layer/internal/housekeeping"
	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/middleware"
	"github.com/lumen-commerce/commerce_layer/internal/platform/migrations"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
	"github.com/lumen-commerce/commerce_layer/internal/storage/postgres"
	"github.com/lumen-commerce/commerce_layer/internal/webhook"
)

const (
	serviceName     = "gateway"
	metricsNS       = "commerce"
	shutdownTimeout = 30 * time.Second
	burstIdleAfter  = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.New(serviceName, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Gateway stopped with error")
		os.Exit(1)
	}
	logger.Info("Gateway stopped")
}

// =============================================================================
// Wiring
// =============================================================================

type stores struct {
	sessions    storage.SessionStore
	credentials storage.CredentialStore
	claims      storage.ClaimStore
	ledger      storage.LedgerStore
	db          pinger
	close       func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("env", string(cfg.Environment)).Warn("DATABASE_URL not set, using in-memory stores")
		mem := storage.NewMemory()
		return &stores{
			sessions:    mem,
			credentials: mem,
			claims:      mem,
			ledger:      mem,
			close:       func() error { return nil },
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := migrations.Up(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("Database migrations applied")
	}
	pg := postgres.New(db)
	return &stores{
		sessions:    pg,
		credentials: pg,
		claims:      pg,
		ledger:      pg,
		db:          pg,
		close:       db.Close,
	}, nil
}

// buildLimiter returns the shared limiter when REDIS_URL is set, and the
// cleanups housekeeping runs against the process-local counters.
func buildLimiter(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (middleware.Limiter, []func() int, func() error, error) {
	if cfg.RedisURL == "" {
		local := middleware.NewInMemoryLimiter()
		return local, []func() int{local.Cleanup}, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unreachable at startup, rate limits fall back to local counters")
	}
	shared := middleware.NewRedisLimiter(client, logger, m)
	return shared, []func() int{shared.Fallback().Cleanup}, client.Close, nil
}

func webhookEndpoints(cfg *config.Config, logger *logging.Logger) []webhook.Endpoint {
	var out []webhook.Endpoint
	for _, w := range cfg.File.Webhooks {
		if w.Secret == "" {
			logger.WithFields(map[string]interface{}{
				"provider": w.Provider,
				"domain":   w.Domain,
			}).Warn("Webhook endpoint has no signing secret, not mounted")
			continue
		}
		out = append(out, webhook.Endpoint{
			Provider: w.Provider,
			Domain:   w.Domain,
			Verifier: webhook.NewVerifier(w.Secret, w.Tolerance),
		})
	}
	return out
}

func providerClient(cfg *config.Config) *billing.ProviderClient {
	if cfg.ProviderClientSecret == "" {
		return nil
	}
	return billing.NewProviderClient(billing.ProviderClientConfig{
		BaseURL:      cfg.ProviderAPIBase,
		TokenURL:     cfg.ProviderTokenURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		Timeout:      10 * time.Second,
	})
}

// surfaceAddrs maps each surface to its listen address.
func surfaceAddrs(cfg *config.Config) map[identity.Surface]string {
	return map[identity.Surface]string{
		identity.SurfaceSite:   cfg.SiteAddr,
		identity.SurfaceClient: cfg.ClientAddr,
		identity.SurfaceAdmin:  cfg.AdminAddr,
	}
}

// =============================================================================
// Run
// =============================================================================

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	m := metrics.New(metricsNS)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.WithError(err).Warn("Closing database failed")
		}
	}()

	limiter, cleanups, closeLimiter, err := buildLimiter(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() { _ = closeLimiter() }()

	burst := middleware.NewBurstLimiter()
	cleanups = append(cleanups, func() int { return burst.Cleanup(burstIdleAfter) })

	sessions := middleware.NewSessionResolver(st.sessions, cfg.SessionLookupTimeout, logger)
	processor := billing.NewProcessor(billing.Config{
		Claims:  st.claims,
		Ledger:  st.ledger,
		Timeout: cfg.StoreTimeout,
		Logger:  logger,
		Metrics: m,
	})
	webhooks := webhook.NewHandler(webhookEndpoints(cfg, logger), processor, m)
	roles := newRoleOverrides(cfg)

	addrs := surfaceAddrs(cfg)
	var servers []*http.Server
	for _, surface := range identity.Surfaces {
		origins, err := middleware.NewOriginPolicy(
			cfg.AllowedOrigins(surface),
			cfg.PreviewPatterns(),
			cfg.Environment.IsProductionLike(),
		)
		if err != nil {
			return fmt.Errorf("%s origin policy: %w", surface, err)
		}

		rt := gateway.NewRouter(gateway.NewPipeline(gateway.PipelineConfig{
			Surface:  surface,
			Origins:  origins,
			Sessions: sessions,
			Limiter:  limiter,
			Burst:    burst,
			Logger:   logger,
			Metrics:  m,
		}))
		rt.Mount("/healthz", healthHandler(string(surface), st.db), http.MethodGet)

		switch surface {
		case identity.SurfaceSite:
			webhooks.Register(rt)
		case identity.SurfaceClient, identity.SurfaceAdmin:
			auth := &authHandlers{
				surface:     surface,
				sessions:    st.sessions,
				credentials: st.credentials,
				cookies:     gateway.NewCookies(surface, cfg.Cookies()),
				roles:       roles,
				ttl:         cfg.SessionTTL,
				timeout:     cfg.StoreTimeout,
				now:         time.Now,
				logger:      logger,
			}
			auth.register(rt)
			if surface == identity.SurfaceAdmin {
				(&billingHandlers{
					claims:   st.claims,
					provider: providerClient(cfg),
					timeout:  cfg.StoreTimeout,
					logger:   logger,
				}).register(rt)
			}
		}

		servers = append(servers, newServer(addrs[surface], panicRecoveryMiddleware(logger, string(surface))(rt)))
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	servers = append(servers, newServer(cfg.MetricsAddr, metricsRouter))

	scheduler := housekeeping.New(housekeeping.Config{
		Sessions:   st.sessions,
		Claims:     st.claims,
		Cleanups:   cleanups,
		StaleAfter: cfg.StaleEventAfter,
		Logger:     logger,
		Metrics:    m,
	})
	if err := scheduler.Start(); err != nil {
		return err
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).WithField("addr", srv.Addr).Warn("Server shutdown error")
		}
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("Housekeeping jobs still running at shutdown")
	}
	return runErr
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
