package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/blob"
	"velora-sync/internal/config"
	"velora-sync/internal/handlers"
	"velora-sync/internal/middleware"
	"velora-sync/internal/pairing"
	"velora-sync/internal/realtime"
	"velora-sync/internal/repository"
	"velora-sync/internal/services"
	"velora-sync/internal/suggest"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

func Run() {
	configPath := "config.yaml"
	if p := os.Getenv("VELORA_CONFIG"); p != "" {
		configPath = p
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Test database connection
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		log.Info().Msg("Schema applied")
	}

	// Initialize repositories
	store := repository.NewPostgres(db)

	// Change feed
	broker := realtime.NewBroker()
	feed := realtime.NewPGFeed(db, broker, cfg.Realtime.Channel)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Change feed stopped")
		}
	}()
	hub := realtime.NewHub(broker, store)

	// Initialize services
	authService := services.NewAuthService(store, store, cfg.JWT.Secret, cfg.JWT.TokenTTL)
	pairingService := pairing.NewService(store, store)

	var memoryService *services.MemoryService
	if cfg.AWS.S3Bucket != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.Options{
			Region:    cfg.AWS.Region,
			Bucket:    cfg.AWS.S3Bucket,
			AccessKey: cfg.AWS.AccessKey,
			SecretKey: cfg.AWS.SecretKey,
			Endpoint:  cfg.AWS.Endpoint,
			PublicURL: cfg.AWS.PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create blob store")
		}
		memoryService = services.NewMemoryService(store, store, s3Store)
	} else {
		log.Warn().Msg("aws.s3_bucket not set, memories disabled")
	}

	var suggester backend.Suggester
	if cfg.Suggest.APIKey != "" {
		suggester = suggest.NewGeminiClient(suggest.Options{
			APIKey:  cfg.Suggest.APIKey,
			BaseURL: cfg.Suggest.BaseURL,
			Models:  cfg.Suggest.Models,
			Timeout: cfg.Suggest.Timeout,
		})
	} else {
		log.Warn().Msg("suggest.api_key not set, suggestions disabled")
	}

	var notifier *services.PulseNotifier
	if cfg.APNs.KeyPath != "" {
		pusher, err := newAPNsClient(cfg.APNs)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create APNs client")
		}
		notifier = services.NewPulseNotifier(store, pusher, hub.IsOnline, cfg.APNs.Topic, cfg.Realtime.PulseWindow)
		if _, err := broker.Subscribe(ctx, notifier.Filters(), notifier.HandleChange); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe pulse notifier")
		}
	} else {
		log.Warn().Msg("apns.key_path not set, pulse pushes disabled")
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:        authService,
		Pairing:     pairingService,
		Memories:    memoryService,
		Suggester:   suggester,
		Hub:         hub,
		RedeemLimit: middleware.NewRateLimiter(cfg.RateLimit.RedeemRPS, cfg.RateLimit.RedeemBurst, middleware.KeyByUserOrIP),
		Metrics:     true,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown HTTP server; hijacked websocket connections end when the process exits
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if notifier != nil {
		notifier.Wait()
	}

	log.Info().Msg("Server exited")
}

// newAPNsClient builds a token-authenticated APNs client
func newAPNsClient(cfg config.APNsConfig) (*apns2.Client, error) {
	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read apns key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
