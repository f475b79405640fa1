// cmd/lifecycle/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kfalifecycle/internal/actor"
	"kfalifecycle/internal/api"
	"kfalifecycle/internal/application"
	"kfalifecycle/internal/artifact"
	"kfalifecycle/internal/certification"
	"kfalifecycle/internal/clients"
	"kfalifecycle/internal/config"
	"kfalifecycle/internal/cpe"
	"kfalifecycle/internal/enrollment"
	"kfalifecycle/internal/notify"
	"kfalifecycle/internal/ratelimit"
	"kfalifecycle/internal/registration"
	"kfalifecycle/internal/store/memory"
	"kfalifecycle/internal/store/postgres"
	"kfalifecycle/internal/telemetry"
)

// backend is everything the services and the router need from a store.
type backend interface {
	application.Store
	registration.Store
	enrollment.Store
	cpe.Store
	certification.Store
	api.Journal
	api.Pinger
}

func main() {
	var cfg config.Lifecycle
	if err := config.Load(&cfg); err != nil {
		config.Exitf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		config.Exitf("config: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lifecycle service stopped", "error", err)
		config.Exitf("lifecycle: %v", err)
	}
}

func run(ctx context.Context, cfg config.Lifecycle, logger *slog.Logger) error {
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.NotifyStream, cfg.NotifyStreamLen))
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:     cfg.NotifyWorkers,
		QueueSize:   cfg.NotifyQueue,
		SendTimeout: cfg.NotifyTimeout,
		Logger:      logger,
	}, sinks...)

	var collab []clients.Option
	if cfg.CollaboratorKey != "" {
		collab = append(collab, clients.WithAPIKey(cfg.CollaboratorKey))
	}
	var gen artifact.Generator = unconfiguredDocuments{}
	if cfg.DocumentsURL != "" {
		gen = clients.NewDocumentClient(cfg.DocumentsURL, collab...)
	} else {
		logger.Warn("KFA_DOCUMENTS_URL not set, certificate artifacts stay pending until retried")
	}
	issuer := artifact.NewIssuer(gen, logger, cfg.ArtifactWorkers)

	var identity application.IdentityService
	if cfg.IdentityURL != "" {
		identity = clients.NewIdentityClient(cfg.IdentityURL, collab...)
	} else {
		logger.Warn("KFA_IDENTITY_URL not set, approved applicants are not provisioned")
	}

	// each submission kind spends its own budget
	limiter := func() *ratelimit.Keyed { return ratelimit.New(cfg.SubmitEvery, cfg.SubmitBurst) }

	ledger := cpe.NewService(store, cpe.Config{Limiter: limiter(), Notifier: dispatcher})
	registrations := registration.NewService(store, registration.Config{
		Artifacts: issuer,
		Limiter:   limiter(),
		Notifier:  dispatcher,
	})
	enrollments := enrollment.NewService(store, enrollment.Config{
		Artifacts: issuer,
		Limiter:   limiter(),
		Notifier:  dispatcher,
	})
	certifications := certification.NewService(store, certification.Config{
		Ledger:    ledger,
		Artifacts: issuer,
		Notifier:  dispatcher,
		Logger:    logger,
	})
	issuer.Register(artifact.KindEventRegistration, registrations)
	issuer.Register(artifact.KindProgramEnrollment, enrollments)
	issuer.Register(artifact.KindCertification, certifications)

	router := api.NewRouter(api.Deps{
		Applications: application.NewService(store, application.Config{
			Identity: identity,
			Limiter:  limiter(),
			Notifier: dispatcher,
			Logger:   logger,
		}),
		Registrations:  registrations,
		Enrollments:    enrollments,
		Ledger:         ledger,
		Certifications: certifications,
		Journal:        store,
		Health:         store,
		Auth:           auth,
		Logger:         logger,
	})

	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.MetricsHandler(nil))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger, "api") })
	g.Go(func() error { return serve(metricsServer, logger, "metrics") })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// In-flight requests finish first, then queued side effects drain.
		errs := []error{
			apiServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		}
		issuer.Wait()
		errs = append(errs, dispatcher.Close(shutdownCtx), providers.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

func serve(srv *http.Server, logger *slog.Logger, name string) error {
	logger.Info("listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Lifecycle, logger *slog.Logger) (backend, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("KFA_DATABASE_URL not set, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	pg, err := postgres.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, postgres.WithTxTimeout(cfg.TxTimeout))
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func newAuthenticator(cfg config.Lifecycle) (*actor.Authenticator, error) {
	var tokens *actor.TokenVerifier
	if cfg.JWTSecret != "" {
		tokens = actor.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	keys := actor.NewKeyRing()
	if cfg.ServiceKeys != "" {
		var err error
		if keys, err = actor.ParseKeyRing(cfg.ServiceKeys); err != nil {
			return nil, fmt.Errorf("parse KFA_SERVICE_KEYS: %w", err)
		}
	}
	return actor.NewAuthenticator(tokens, keys), nil
}

// unconfiguredDocuments fails every generation so the latch stays set and the
// artifact can be retried once a document service is configured.
type unconfiguredDocuments struct{}

func (unconfiguredDocuments) Generate(context.Context, artifact.Request) (artifact.Artifact, error) {
	return artifact.Artifact{}, errors.New("no document service configured")
}
