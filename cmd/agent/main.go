// Entry point for the on-device agent: durable queue, sync engine and the
// localhost API the worker UI talks to.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	agentapi "safeping.service/internal/api/agent"
	"safeping.service/internal/auth"
	"safeping.service/internal/config"
	"safeping.service/internal/connectivity"
	"safeping.service/internal/core"
	"safeping.service/internal/core/model"
	"safeping.service/internal/notify"
	"safeping.service/internal/queue"
	"safeping.service/internal/remote"
	"safeping.service/internal/sync"
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
	shutdownTracer, err := telemetry.InitTracer("safeping-agent", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init tracer")
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	// Durable local queue
	db, err := database.NewLocalStore(cfg.QueueDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening local queue store")
	}
	defer db.Close()

	q, err := queue.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Error preparing local queue")
	}
	log.Info().Str("path", cfg.QueueDBPath).Msg("Local queue ready.")

	// Supervisor alerting is optional; the pure agent runs without SES.
	var notifier notify.Notifier = notify.Noop{}
	if cfg.AlertEmailFrom != "" && cfg.AlertEmailTo != "" {
		awsCfg, err := aws.NewAWSConfig(context.Background(), cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to load SDK config")
		}
		notifier = notify.NewSESNotifier(ses.NewFromConfig(awsCfg), cfg.AlertEmailFrom, cfg.AlertEmailTo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize dependencies
	probe := connectivity.NewProbe(cfg.ProbeURL, 10*time.Second)
	backend := remote.NewClient(cfg.BackendAPIURL, 15*time.Second)
	engine := sync.NewEngine(q, backend, notifier)
	scheduler := sync.NewScheduler(engine, probe)

	// Deferred auth calls flush right after a reconnect drain.
	authQueue := auth.NewQueue()
	scheduler.OnOnline = func(ctx context.Context) {
		if err := authQueue.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("Auth queue flush incomplete")
		}
	}

	session := model.AuthContext{
		AccessToken:    cfg.AccessToken,
		UserID:         cfg.UserID,
		OrganizationID: cfg.OrganizationID,
	}
	service := core.NewSignalService(q, scheduler, probe, session)

	go probe.Run(ctx)
	go scheduler.Run(ctx)

	// Setup router and server
	router := agentapi.NewRouter(service, scheduler)

	// Middleware to inject logger with trace ID
	loggerMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = logger.EnrichContextWithLogger(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// Wrap the router with OpenTelemetry middleware to create spans for each request
	handler := otelhttp.NewHandler(loggerMiddleware(router), "agent")

	serverAddr := ":" + cfg.AgentPort
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: handler,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.AgentPort).Msg("Agent service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down agent...")

	// Stop the probe and scheduler; in-flight backoff timers are abandoned,
	// the queue survives in storage and resumes on next startup.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Agent exiting")
}
