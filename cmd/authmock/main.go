package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropDatabas3/campusauth/internal/authmock"
	"github.com/dropDatabas3/campusauth/internal/config"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/rate"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found (%v), using system environment", err)
	}

	cfgPath := flag.String("config", os.Getenv("CAMPUSAUTH_CONFIG"), "ruta al config.yaml (opcional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level, Output: cfg.Log.Output})
	defer func() { _ = logger.Sync() }()
	lg := logger.L().With(logger.Component("authmock"))

	if cfg.IsProd() && cfg.Mock.JWTSecret == "" {
		lg.Fatal("mock.jwt_secret is required in prod")
	}

	var limiter rate.Limiter
	if n := cfg.Mock.LoginAttempts; n > 0 {
		window := config.Dur(cfg.Mock.LoginWindow, time.Minute)
		if addr := cfg.Mock.RateLimitRedis; addr != "" {
			rc := rdb.NewClient(&rdb.Options{Addr: addr})
			defer rc.Close()
			limiter = rate.NewRedisLimiter(rc, "campusauth:rl:", n, window)
		} else {
			limiter = rate.NewMemoryLimiter(n, window, nil)
		}
		lg.Info("login rate limit enabled", logger.Count(n), logger.Duration(window))
	}

	srv, err := authmock.New(authmock.Config{
		Issuer:       cfg.Mock.Issuer,
		Secret:       []byte(cfg.Mock.JWTSecret),
		AccessTTL:    config.Dur(cfg.Mock.AccessTTL, 15*time.Minute),
		RefreshTTL:   config.Dur(cfg.Mock.RefreshTTL, 30*24*time.Hour),
		LoginLimiter: limiter,
	})
	if err != nil {
		lg.Fatal("authmock init failed", logger.Err(err))
	}

	users := cfg.Mock.Users
	if len(users) == 0 && !cfg.IsProd() {
		// Usuarios demo para desarrollo local.
		users = []config.MockUser{
			{Email: "admin@campus.local", Password: "admin123", FullName: "Admin Demo", Role: "admin"},
			{Email: "student@campus.local", Password: "student123", FullName: "Student Demo", Role: "user"},
			{Email: "provider@campus.local", Password: "provider123", FullName: "Provider Demo", Role: "provider"},
		}
		lg.Warn("no mock.users configured, seeding demo users")
	}
	for _, u := range users {
		p, err := srv.AddUser(u.Email, u.Password, u.FullName, types.Role(u.Role))
		if err != nil {
			lg.Fatal("seed user failed", logger.String("email", u.Email), logger.Err(err))
		}
		lg.Info("user seeded", logger.UserID(p.ID), logger.Role(string(p.Role)))
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		lg.Fatal("metrics register failed", logger.Err(err))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           srv.Router(authmock.RouterOptions{Gatherer: reg}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		lg.Info("authmock listening",
			logger.String("addr", cfg.Mock.Addr),
			logger.String("login", "POST /api/auth/login"),
			logger.String("refresh", "POST /api/auth/refresh"),
			logger.String("logout", "POST /api/auth/logout"),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server failed", logger.Err(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("graceful shutdown failed", logger.Err(err))
	}
}
