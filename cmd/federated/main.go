package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lumenlms/federate/pkg/audit"
	"github.com/lumenlms/federate/pkg/config"
	"github.com/lumenlms/federate/pkg/sso"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	logger.SetLevel(parseLogLevel(cfg.LogLevel))
	if !cfg.LogJSON {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	// Connect to database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	// State store: redis when configured, in-memory otherwise. The memory
	// store only protects a single process; run redis in production.
	var states sso.StateStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to parse redis URL")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Fatal("Failed to ping redis")
		}
		defer client.Close()
		states = sso.NewRedisStateStore(client)
		logger.Info("Using redis state store")
	} else {
		states = sso.NewMemoryStateStore(cfg.SSO.StateStoreSize, cfg.SSO.StateTTL)
		logger.Warn("No redis URL configured, using in-memory state store")
	}

	// Wire the SSO subsystem
	registry := sso.NewRegistry(db)
	sessions := sso.NewSessionManager(db)
	attempts := audit.NewLog(db, logger)
	resolver := sso.NewResolver(sso.NewPostgresProvisioner(db), sso.NewPostgresMappingStore(db))
	httpClient := &http.Client{Timeout: cfg.SSO.HTTPClientTimeout}

	samlFlow := sso.NewSAMLFlow(registry, resolver, sessions, attempts, states, cfg.SSO.SessionTTL, logger)
	oauthFlow := sso.NewOAuthFlow(registry, resolver, attempts, states, httpClient, logger)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	handlers := sso.NewHandlers(registry, samlFlow, oauthFlow, sessions, attempts, cfg.Server.BaseURL, logger)
	handlers.RegisterRoutes(router)

	// Expired session janitor
	c := cron.New()
	_, err = c.AddFunc(cfg.SSO.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		deleted, err := sessions.CleanupExpired(ctx, cfg.SSO.SessionRetention)
		if err != nil {
			logger.WithError(err).Error("Session cleanup failed")
			return
		}
		if deleted > 0 {
			logger.WithField("deleted", deleted).Info("Cleaned up expired sessions")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule session cleanup")
	}
	c.Start()
	defer c.Stop()

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("Starting SSO server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
