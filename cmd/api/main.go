package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"paperflow/api/internal/app"
	"paperflow/api/internal/config"
	"paperflow/api/internal/email"
	"paperflow/api/internal/notify"
	"paperflow/api/internal/scheduler"
	"paperflow/api/internal/search"
	"paperflow/api/internal/session"
	"paperflow/api/internal/signing"
	"paperflow/api/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)

	// Refresh tokens live in Redis when available, in Postgres otherwise.
	var sessions *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer sessions.Close()
		logger.Info("using redis for refresh token storage")
	} else {
		logger.Info("using postgres for refresh token storage")
	}

	hub := notify.NewHub()
	notifications := notify.NewService(dataStore, hub, logger)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("smtp not configured, email notifications disabled")
	}

	signer := signing.NewService(dataStore, cfg.SigningTokenTTL)

	var service *app.Service
	if sessions != nil {
		service = app.New(cfg, dataStore, sessions, logger)
	} else {
		service = app.New(cfg, dataStore, nil, logger)
	}
	service.
		WithNotifier(notifications).
		WithMailer(mailer).
		WithSearch(searchService).
		WithSigner(signer)

	jobs := scheduler.New(dataStore, mailer, signer, cfg.BaseURL, cfg.ReminderInterval, logger)
	jobs.Start()
	defer jobs.Stop()

	httpServer := app.NewHTTPServer(service, notifications, hub, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: the notification stream holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("paperflow api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
