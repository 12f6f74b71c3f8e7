// Entry point for the supervisor dashboard: snapshot loader, change-feed
// consumer and the read-only status API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"safeping.service/internal/aggregator"
	dashboardapi "safeping.service/internal/api/dashboard"
	"safeping.service/internal/config"
	"safeping.service/internal/ports/repository"
	"safeping.service/pkg/aws"
	"safeping.service/pkg/database"
	"safeping.service/pkg/logger"
	"safeping.service/pkg/telemetry"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load configuration")
	}

	// Configure structured logging
	logger.Setup(cfg.IsLocalDev)

	// Configure OpenTelemetry Tracing
	shutdownTracer, err := telemetry.InitTracer("safeping-dashboard", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init tracer")
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	// DB connection
	db, err := database.NewInstrumentedConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening database")
	}
	defer db.Close()
	log.Info().Msg("Successfully connected to the database.")

	// AWS SDK Config
	awsCfg, err := aws.NewAWSConfig(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load SDK config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize dependencies
	repo := repository.NewCheckInRepository(db)
	agg := aggregator.New(repo, cfg.OrganizationID)
	if err := agg.Load(ctx); err != nil {
		// Start degraded; the feed and fallback polling fill the projection in.
		log.Error().Err(err).Msg("Initial snapshot load failed")
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	consumer := aggregator.NewConsumer(sqsClient, cfg.FeedSQSQueueURL, agg)

	go consumer.Run(ctx)
	go agg.Run(ctx)

	// Setup router and server
	router := dashboardapi.NewRouter(agg)

	// Middleware to inject logger with trace ID
	loggerMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = logger.EnrichContextWithLogger(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// Wrap the router with OpenTelemetry middleware to create spans for each request
	handler := otelhttp.NewHandler(loggerMiddleware(router), "dashboard")

	serverAddr := ":" + cfg.DashboardPort
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: handler,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.DashboardPort).Msg("Dashboard service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down dashboard...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Dashboard exiting")
}
