package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/config"
	"github.com/vnmchuo/pm-dashboard/internal/auth"
	"github.com/vnmchuo/pm-dashboard/internal/backend"
	"github.com/vnmchuo/pm-dashboard/internal/billing"
	"github.com/vnmchuo/pm-dashboard/internal/proxy"
	"github.com/vnmchuo/pm-dashboard/internal/seeder"
	"github.com/vnmchuo/pm-dashboard/internal/telemetry"
	"github.com/vnmchuo/pm-dashboard/pkg/ratelimit"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("pm-dashboard", cfg)
	if err != nil {
		klog.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		klog.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		klog.Fatalf("failed to ping postgres: %v", err)
	}
	klog.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		klog.Fatalf("failed to ping redis: %v", err)
	}
	klog.Info("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init billing
	billingStore := billing.NewPostgresStore(pool)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 8. Init backend client
	client := backend.NewClient()
	for name, app := range cfg.Apps {
		if !app.Configured() {
			klog.Warningf("App %s has no API key; generations will be rejected", name)
		}
	}

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("pm-dashboard")
	handler := proxy.NewHandler(cfg.Apps, client, billingStore, limiter, rdb, tracer)

	// 10. Seed test identity if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestIdentity(ctx, authStore)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"pm-dashboard"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/v1/apps", handler.HandleApps)
		r.Get("/v1/apps/{app}/info", handler.HandleInfo)
		r.Post("/v1/apps/{app}/generate", handler.HandleGenerate)
		r.Post("/v1/apps/{app}/stop", handler.HandleStop)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: generations stream for as long as the backend runs.
		IdleTimeout: 120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		klog.Infof("PM Dashboard starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	klog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Fatalf("forced shutdown: %v", err)
	}
	klog.Info("Server stopped")
}
