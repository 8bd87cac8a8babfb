package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"marketpay/internal/common/database"
	"marketpay/internal/common/middleware"
	"marketpay/internal/common/nats"
	"marketpay/internal/gateway"
	"marketpay/internal/gateway/flutterwave"
	"marketpay/internal/gateway/paystack"
	"marketpay/internal/gateway/verify"
	"marketpay/internal/invoice"
	invoiceapi "marketpay/internal/invoice/api"
	"marketpay/internal/ledger"
	"marketpay/internal/payment"
	paymentapi "marketpay/internal/payment/api"
	"marketpay/internal/proof"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"MARKETPAY_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database    database.Config
	NATS        nats.Config
	Invoice     invoice.Config
	Proof       proof.Config
	Paystack    paystack.Config
	Flutterwave flutterwave.Config
	Verify      verify.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply pending migrations before taking traffic
	if err := database.Migrate(cfg.Database, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig("MARKETPAY_EVENTS", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	// Gateways
	paystackAdapter := paystack.NewAdapter(cfg.Paystack, logger)
	flutterwaveAdapter := flutterwave.NewAdapter(cfg.Flutterwave, logger)
	verifier := verify.New(cfg.Verify)

	// Ledger
	ledgerStore := ledger.NewPostgresStore(db)
	recorder := ledger.NewRecorder(ledgerStore, publisher, logger)
	syncJob := ledger.NewHistoricalSyncJob(ledgerStore, recorder, logger)

	// Invoices
	invoiceStore := invoice.NewPostgresStore(db)
	invoiceService := invoice.NewService(invoiceStore, recorder, publisher, cfg.Invoice, logger)

	// Proof of payment
	fileStore, err := proof.NewLocalFileStore(cfg.Proof)
	if err != nil {
		logger.Error("failed to set up proof storage", "error", err)
		os.Exit(1)
	}
	workflow := proof.NewWorkflow(invoiceService, fileStore, logger)

	// Payments
	paymentStore := payment.NewPostgresStore(db)
	reconciler := payment.NewReconciler(paymentStore, invoiceService,
		[]gateway.Adapter{paystackAdapter, flutterwaveAdapter}, publisher, logger)
	webhookHandler := payment.NewWebhookHandler(verifier, reconciler, logger)

	// Handlers
	invoiceHandler := invoiceapi.NewHandler(invoiceService, workflow, syncJob, logger)
	paymentHandler := paymentapi.NewHandler(reconciler, paymentStore, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Webhooks carry their own authentication; no actor headers here
	r.Post("/webhooks/paystack", webhookHandler.Paystack)
	r.Post("/webhooks/flutterwave", webhookHandler.Flutterwave)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Actor)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			invoiceHandler.UserRoutes(r)
			paymentHandler.UserRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			invoiceHandler.AdminRoutes(r)
			paymentHandler.AdminRoutes(r)
		})
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting marketpay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
