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

	"threadbox/internal/app"
	"threadbox/internal/bus"
	"threadbox/internal/cache"
	"threadbox/internal/captcha"
	"threadbox/internal/config"
	"threadbox/internal/email"
	"threadbox/internal/objstore"
	"threadbox/internal/search"
	"threadbox/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	previews, err := cache.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer previews.Close()

	var uploads *objstore.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploads, err = objstore.New(ctx, objstore.Config{
			Endpoint:      cfg.S3Endpoint,
			Bucket:        cfg.S3Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UploadTimeout: cfg.UploadTimeout,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
	} else {
		log.Printf("S3_ENDPOINT not set, attachment uploads disabled")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searcher := search.NewService(meiliClient, pgfts)
	go searcher.ReindexAllFromPG(ctx)

	verifier := captcha.New(cfg.RecaptchaSecret)

	sender := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	emails := email.NewQueue(sender, cfg.EmailWorkers, cfg.EmailRetryBackoff).
		WithSweepInterval(cfg.EmailSweepEvery)
	emails.Start()
	defer emails.Stop()

	notifications := bus.New()

	service := app.New(cfg, dataStore, previews, uploads, notifications, verifier, emails, searcher)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: the events endpoint holds connections open
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Threadbox API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
