// Package config loads service settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Env          string
	Port         string
	PostgresURL  string
	KafkaBrokers []string
	JWTSecret    string
	OTLPEndpoint string

	// Legacy behaviour: price line items with the caller-supplied price
	// instead of the live variation price.
	TrustClientPrice bool

	Payment PaymentConfig
}

type PaymentConfig struct {
	TMNCode         string
	HashSecret      string
	PayURL          string
	FrontendURL     string
	ClientIP        string
	ExchangeRate    decimal.Decimal
	VerifySignature bool
}

func (c *Config) Development() bool {
	return c.Env == "development"
}

// Warnings lists settings that are valid but deserve attention at startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.TrustClientPrice {
		warnings = append(warnings, "ORDERS_TRUST_CLIENT_PRICE is enabled, explicit line items are priced by the caller")
	}
	if len(c.KafkaBrokers) == 0 {
		warnings = append(warnings, "KAFKA_BROKERS not set, domain events are disabled")
	}
	return warnings
}

var loadDotEnv = sync.OnceFunc(func() { _ = godotenv.Load() })

// Getenv returns the variable from the environment or .env, falling back to
// defaultValue. Binaries without a Config use it directly.
func Getenv(key, defaultValue string) string {
	loadDotEnv()
	return getEnv(key, defaultValue)
}

// Load reads the orders service configuration.
func Load() (*Config, error) {
	loadDotEnv()

	rate, err := decimal.NewFromString(getEnv("PAYMENT_EXCHANGE_RATE", "26000"))
	if err != nil {
		return nil, fmt.Errorf("parse PAYMENT_EXCHANGE_RATE: %w", err)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("PAYMENT_EXCHANGE_RATE must be positive, got %s", rate)
	}

	cfg := &Config{
		Env:              getEnv("APP_ENV", "production"),
		Port:             getEnv("PORT", "8081"),
		PostgresURL:      os.Getenv("POSTGRES_URL"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		JWTSecret:        getEnvFromFile("JWT_SECRET_FILE", "JWT_SECRET", ""),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TrustClientPrice: getBool("ORDERS_TRUST_CLIENT_PRICE", false),
		Payment: PaymentConfig{
			TMNCode:         os.Getenv("VNP_TMN_CODE"),
			HashSecret:      getEnvFromFile("VNP_HASH_SECRET_FILE", "VNP_HASH_SECRET", ""),
			PayURL:          getEnv("VNP_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			FrontendURL:     strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
			ClientIP:        getEnv("PAYMENT_CLIENT_IP", "127.0.0.1"),
			ExchangeRate:    rate,
			VerifySignature: getBool("PAYMENT_VERIFY_SIGNATURE", false),
		},
	}

	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.Payment.VerifySignature && cfg.Payment.HashSecret == "" {
		return nil, fmt.Errorf("VNP_HASH_SECRET is required when PAYMENT_VERIFY_SIGNATURE is enabled")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFromFile(fileKey, envKey, defaultValue string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return getEnv(envKey, defaultValue)
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
