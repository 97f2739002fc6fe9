package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joao-fontenele/storefront-checkout/internal/config"
	"github.com/joao-fontenele/storefront-checkout/internal/messaging"
	"github.com/joao-fontenele/storefront-checkout/internal/telemetry"
	"github.com/joao-fontenele/storefront-checkout/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := config.Getenv("KAFKA_BROKERS", "")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := config.Getenv("EMAIL_SERVICE_URL", "")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "worker", "0.1.0", config.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	brokers := strings.Split(kafkaBrokers, ",")
	notificationHandler := worker.NewNotificationHandler(emailServiceURL, telemetry.NewClient(10*time.Second), logger)

	consumers := []struct {
		topic  string
		group  string
		handle messaging.HandlerFunc
	}{
		{messaging.TopicOrderCreated, "order-notification-worker", notificationHandler.HandleOrderCreated},
		{messaging.TopicPaymentSettled, "notification-worker", notificationHandler.Handle},
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, c := range consumers {
		consumer := messaging.NewConsumer(brokers, c.topic, c.group, messaging.WithRetry(3, time.Second))
		defer func() { _ = consumer.Close() }()

		logger.Info("starting notification consumer", "brokers", brokers, "topic", c.topic)

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consumer.Consume(ctx, c.handle)
			if err == nil || errors.Is(err, context.Canceled) {
				logger.Info("consumer stopped", "topic", c.topic)
				return
			}
			logger.Error("consumer error", "error", err, "topic", c.topic)
			failed.Store(true)
			cancel()
		}()
	}
	wg.Wait()

	if failed.Load() {
		os.Exit(1)
	}
}
