package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/joao-fontenele/storefront-checkout/internal/auth"
	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/database"
	"github.com/joao-fontenele/storefront-checkout/internal/inventory"
	"github.com/joao-fontenele/storefront-checkout/internal/messaging"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "orders", serviceVersion, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("orders", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	db, err := telemetry.OpenDB(cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	database.Configure(db)

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	orderOpts := []orders.ServiceOption{orders.WithClientPrice(cfg.TrustClientPrice)}
	var paymentOpts []payment.ServiceOption
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers)
		defer func() { _ = producer.Close() }()

		orderOpts = append(orderOpts, orders.WithPublisher(producer.Topic(messaging.TopicOrderCreated)))
		paymentOpts = append(paymentOpts, payment.WithPublisher(producer.Topic(messaging.TopicPaymentSettled)))
	}

	if cfg.Payment.VerifySignature {
		paymentOpts = append(paymentOpts, payment.WithSignatureVerification(payment.NewSigner(cfg.Payment.HashSecret)))
	}

	variationRepo := inventory.NewVariationRepository(db)
	orderRepo := orders.NewOrderRepository(db)
	orderService := orders.NewService(db, orderRepo, variationRepo, logger, orderOpts...)
	paymentService := payment.NewService(db, orderRepo, variationRepo, payment.NewTransactionRepository(),
		payment.NewURLBuilder(cfg.Payment), cfg.Payment.ExchangeRate, logger, paymentOpts...)

	orderHandler := orders.NewHandler(orderService, logger)
	adminHandler := orders.NewAdminHandler(orderRepo, logger)
	paymentHandler := payment.NewHandler(paymentService, cfg.Payment.FrontendURL, logger,
		payment.WithErrorDetail(cfg.Development()))
	stockHandler := inventory.NewHandler(variationRepo, logger)

	authn := auth.NewAuthenticator(cfg.JWTSecret)
	user := func(h http.HandlerFunc) http.Handler {
		return authn.Middleware(telemetry.WithHTTPRoute(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authn.Middleware(auth.RequireAdmin(telemetry.WithHTTPRoute(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /orders", user(orderHandler.HandleCreate))
	mux.Handle("POST /orders/from-cart", user(orderHandler.HandleCreateFromCart))
	mux.Handle("GET /orders", user(orderHandler.HandleList))

	mux.Handle("GET /orders/admin", admin(adminHandler.HandleList))
	mux.Handle("GET /orders/admin/statistics", admin(adminHandler.HandleStatistics))
	mux.Handle("PUT /orders/admin/{orderId}/status", admin(adminHandler.HandleUpdateStatus))
	mux.Handle("DELETE /orders/admin/{orderId}", admin(adminHandler.HandleDelete))

	mux.Handle("POST /payment/generate-payment-url", user(paymentHandler.HandleGenerateURL))
	mux.Handle("GET /payment/transactions/{orderId}", user(paymentHandler.HandleListTransactions))
	mux.HandleFunc("GET /payment/handle-payment-response", telemetry.WithHTTPRoute(paymentHandler.HandleRedirect))
	mux.HandleFunc("POST /payment/handle-payment-response", telemetry.WithHTTPRoute(paymentHandler.HandleCallback))

	mux.HandleFunc("GET /variations/stock", telemetry.WithHTTPRoute(stockHandler.HandleListStock))
	mux.HandleFunc("GET /variations/{id}/stock", telemetry.WithHTTPRoute(stockHandler.HandleGetStock))

	mux.HandleFunc("GET /healthz", healthz(db))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      telemetry.NewHandler(middleware.RequestID(middleware.RealIP(middleware.Recoverer(mux))), "orders"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting orders service", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func healthz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
