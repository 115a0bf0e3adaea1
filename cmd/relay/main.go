package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/relay/internal/background"
	"github.com/rakunlabs/relay/internal/catalog"
	"github.com/rakunlabs/relay/internal/cluster"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/credential"
	"github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/health"
	"github.com/rakunlabs/relay/internal/pipeline"
	"github.com/rakunlabs/relay/internal/ratelimit"
	"github.com/rakunlabs/relay/internal/scheduler"
	"github.com/rakunlabs/relay/internal/server"
	"github.com/rakunlabs/relay/internal/store"
	"github.com/rakunlabs/relay/internal/trace"
)

var (
	name    = "relay"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	providerCatalog := catalog.ApplyOverlay(catalog.Default(), cfg.ProviderTypes)

	rotator, _ := st.(store.KeyRotator)

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	if cl != nil {
		go func() {
			if err := cl.Start(ctx, func(newKey []byte) {
				if rotator != nil {
					rotator.SetEncryptionKey(newKey)
				}
			}); err != nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	var healthService *health.Service

	resetScheduler := health.NewRateLimitResetScheduler(func(ctx context.Context, keyID string) {
		healthService.ResetToHealthy(ctx, keyID)
	})
	resetScheduler.Start(ctx)
	defer resetScheduler.Stop()

	healthService = health.NewService(st, resetScheduler, cfg.Tasks.ConsecutiveFailureThreshold)

	if err := bootstrapHealth(ctx, st, healthService); err != nil {
		return fmt.Errorf("failed to bootstrap health map: %w", err)
	}

	credProvider := credential.NewProvider(st, providerCatalog, healthService, cfg.Tasks.RefreshSkew)
	authFlow := credential.NewAuthorizationFlow(st, st, providerCatalog)

	sched := scheduler.New(healthService)
	limiter := ratelimit.New()

	tracer := trace.NewRecorder(st)
	tracer.Start(ctx)
	defer tracer.Stop()

	pipe := pipeline.New(st, healthService, sched, limiter, credProvider, tracer, providerCatalog)
	if cfg.Tasks.UsageBufferBytes > 0 {
		pipe.MaxUsageBuffer = cfg.Tasks.UsageBufferBytes
	}

	srv, err := server.New(cfg.Server, st, st, rotator, healthService, authFlow, providerCatalog, cl, pipe)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	go background.ActiveRefresh(ctx, st, credProvider, cfg.Tasks.ActiveRefreshInterval, cfg.Tasks.ActiveRefreshWindow)
	go background.HealthResync(ctx, healthService, cfg.Tasks.ResyncInterval)
	go background.ExpiredOAuthSessions(ctx, st, cfg.Tasks.ResyncInterval)

	slog.Info("starting relay", "host", cfg.Server.Host, "port", cfg.Server.Port)

	return srv.Start(ctx)
}

// bootstrapHealth registers every existing provider key with the in-memory
// HealthMap at startup, since the map is otherwise empty until request
// traffic or admin operations touch a key.
func bootstrapHealth(ctx context.Context, repo store.KeyRepository, h *health.Service) error {
	keys, err := repo.ListProviderKeys(ctx)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		if err := h.RegisterKey(ctx, k.ID); err != nil {
			slog.Warn("bootstrap: register key failed", "id", k.ID, "error", err)
		}
	}

	return nil
}
