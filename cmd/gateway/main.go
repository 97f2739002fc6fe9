package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/gateway"
	"github.com/joao-fontenele/storefront-checkout/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "gateway", "0.1.0", config.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	port := config.Getenv("PORT", "8080")

	ordersServiceURL := config.Getenv("ORDERS_SERVICE_URL", "")
	if ordersServiceURL == "" {
		logger.Error("ORDERS_SERVICE_URL is required")
		os.Exit(1)
	}

	storefront := gateway.NewServiceProxy(ordersServiceURL, telemetry.NewClient(15*time.Second))
	handler := gateway.NewHandler(storefront, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("/orders/", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("/payment/", telemetry.WithHTTPRoute(handler.HandleStorefront))
	mux.HandleFunc("/variations/", telemetry.WithHTTPRoute(handler.HandleStorefront))

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      telemetry.NewHandler(middleware.RequestID(middleware.Recoverer(mux)), "gateway"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", port)
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
