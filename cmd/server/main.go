package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"docsync/internal/auth"
	"docsync/internal/autosave"
	"docsync/internal/config"
	"docsync/internal/handlers"
	"docsync/internal/hub"
	"docsync/internal/identity"
	"docsync/internal/jobs"
	"docsync/internal/logging"
	"docsync/internal/metrics"
	"docsync/internal/permission"
	"docsync/internal/ratelimit"
	"docsync/internal/relay"
	"docsync/internal/session"
	"docsync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Environment, cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimits))
	for action, r := range cfg.RateLimits {
		rules[action] = ratelimit.Rule{Max: r.Max, Window: r.Window}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	saver := autosave.NewScheduler(st, cfg.AutosaveDelay, log,
		autosave.WithResultHook(func(_ string, kind autosave.Kind, err error) {
			m.RecordSave(string(kind), err)
		}),
	)

	checks := map[string]func(context.Context) error{
		"store": st.Ping,
	}

	var rel *relay.RedisRelay
	if cfg.RedisURL != "" {
		rel, err = relay.NewRedisRelay(ctx, cfg.RedisURL, cfg.InstanceID, log)
		if err != nil {
			return err
		}
		defer rel.Close()
		checks["redis"] = rel.Ping
	}

	deps := hub.Deps{
		Documents: st,
		Oracle:    permission.NewOracle(st, log),
		Sessions:  session.NewRegistry(),
		Limiter:   ratelimit.New(rules, ratelimit.WithSilentActions(hub.SilentActions...)),
		Autosave:  saver,
		Profiles:  identity.NewResolver(st, 5*time.Minute, log),
		Metrics:   m,
		Checks:    checks,
		Logger:    log,
	}
	// a nil *RedisRelay must not end up in the interface
	if rel != nil {
		deps.Relay = rel
	}
	h := hub.New(hub.Config{
		InstanceID:      cfg.InstanceID,
		AdminRoles:      cfg.AdminRoles,
		MaxConnections:  cfg.MaxConnections,
		SessionTimeout:  cfg.SessionTimeout,
		MaxContentBytes: cfg.MaxContentBytes,
		MaxTitleLength:  cfg.MaxTitleLength,
		MaxDeltaOps:     cfg.MaxDeltaOps,
	}, deps)
	metrics.RegisterGauges(prometheus.DefaultRegisterer, h)

	if rel != nil {
		if err := rel.Start(ctx, func(env relay.Envelope) {
			h.DeliverRemote(env.DocumentID, env.Exclude, env.Event, env.Data)
		}); err != nil {
			return err
		}
	}

	runner, err := jobs.NewRunner(log)
	if err != nil {
		return err
	}
	if err := jobs.RegisterHousekeeping(runner, h, cfg.SweepInterval, cfg.MetricsInterval); err != nil {
		return err
	}
	runner.Start()

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.Deps{
			Hub:             h,
			Verifier:        verifier,
			Oracle:          deps.Oracle,
			Throttle:        handlers.NewIPThrottle(cfg.ConnectRate, cfg.ConnectBurst),
			Metrics:         m,
			SendBuffer:      cfg.SendBuffer,
			MaxMessageBytes: int64(cfg.MaxContentBytes) + 64*1024,
			Logger:          log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"store":       cfg.StoreDriver,
			"relay":       rel != nil,
			"instance_id": cfg.InstanceID,
		}).Info("docsync server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runner.Stop(); err != nil {
		log.WithError(err).Warn("stopping jobs")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("hub shutdown")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, documents will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	ms, err := store.NewMongoStore(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	if err := ms.Initialize(ctx); err != nil {
		_ = ms.Close(context.Background())
		return nil, nil, err
	}
	log.Info("connected to MongoDB")

	return ms, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ms.Close(cctx); err != nil {
			log.WithError(err).Warn("closing MongoDB")
		}
	}, nil
}
