package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	accountshandler "github.com/parsedu/school-admin/domains/accounts/be/handler"
	accountsprov "github.com/parsedu/school-admin/domains/accounts/be/provisioning"
	accountsrepo "github.com/parsedu/school-admin/domains/accounts/be/repo"
	accountsservice "github.com/parsedu/school-admin/domains/accounts/be/service"
	platformauth "github.com/parsedu/school-admin/platform/go/auth"
	"github.com/parsedu/school-admin/platform/go/gcp"
	platformlogging "github.com/parsedu/school-admin/platform/go/logging"
	platformmiddleware "github.com/parsedu/school-admin/platform/go/middleware"
	"github.com/parsedu/school-admin/platform/go/persistence"
)

type config struct {
	Port             string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	AuthProvider     string        `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev
	StoreCallTimeout time.Duration `env:"STORE_CALL_TIMEOUT" envDefault:"10s"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.Bootstrap(ctx, pool); err != nil {
		logger.Fatal("bootstrap account schema", zap.Error(err))
	}

	profileStore, err := persistence.NewProfileStore(ctx, pool)
	if err != nil {
		logger.Fatal("init profile store", zap.Error(err))
	}
	roleStore, err := persistence.NewRoleStore(ctx, pool)
	if err != nil {
		logger.Fatal("init role store", zap.Error(err))
	}
	teacherStore, err := persistence.NewTeacherStore(ctx, pool)
	if err != nil {
		logger.Fatal("init teacher store", zap.Error(err))
	}

	// The Firebase Admin client backs account provisioning even when request
	// verification runs in dev mode.
	_, fbAuth, err := gcp.InitFirebaseAuth(ctx)
	if err != nil {
		logger.Fatal("init firebase auth", zap.Error(err))
	}

	records := accountsrepo.NewPostgresRecords(profileStore, roleStore, teacherStore)
	identity := accountsprov.NewFirebaseIdentityStore(fbAuth)

	accountsService := accountsservice.New(accountsservice.Config{
		Identity:    identity,
		Records:     records,
		Logger:      logger,
		CallTimeout: cfg.StoreCallTimeout,
	})
	accountsHTTPHandler := accountshandler.New(accountsService, logger)

	authMiddleware := buildAuthMiddleware(cfg, fbAuth, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, logger)

	apiRouter := chi.NewRouter()
	apiRouter.Use(authMiddleware)
	apiRouter.Use(platformauth.RequireRole("admin"))
	apiRouter.Mount("/", accountsHTTPHandler.Routes())

	rootRouter.Mount("/api/v1/admin", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
