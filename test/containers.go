package test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSetup struct {
	ConnStr string
	cleanup func()
}

func (p *PostgresSetup) Cleanup() {
	p.cleanup()
}

func SetupPostgres(ctx context.Context, t *testing.T) *PostgresSetup {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("storefront"),
		postgres.WithUsername("storefront"),
		postgres.WithPassword("storefront"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := runMigrations(connStr); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return &PostgresSetup{ConnStr: connStr, cleanup: cleanup}
}

func runMigrations(connStr string) error {
	migrationsPath := getMigrationsPath()

	m, err := migrate.New(migrationsPath, connStr)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func getMigrationsPath() string {
	_, filename, _, _ := runtime.Caller(0)
	testDir := filepath.Dir(filename)
	projectRoot := filepath.Dir(testDir)
	migrationsDir := filepath.Join(projectRoot, "migrations")
	return "file://" + migrationsDir
}

func SetupKafka(ctx context.Context, t *testing.T) ([]string, func()) {
	t.Helper()

	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		kafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers, cleanup
}

// CreateTopic creates topic through the cluster controller so producers do
// not race topic auto-creation.
func CreateTopic(ctx context.Context, t *testing.T, brokers []string, topic string) {
	t.Helper()

	conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		t.Fatalf("failed to dial kafka: %v", err)
	}
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	if err != nil {
		t.Fatalf("failed to find kafka controller: %v", err)
	}

	ctrl, err := kafkago.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		t.Fatalf("failed to dial kafka controller: %v", err)
	}
	defer func() { _ = ctrl.Close() }()

	if err := ctrl.CreateTopics(kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}); err != nil {
		t.Fatalf("failed to create topic %s: %v", topic, err)
	}
}

// OpenDB connects to the migrated database and closes the handle when the
// test ends.
func OpenDB(t *testing.T, connStr string) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// Fixture is one customer with a default address and one product variation.
type Fixture struct {
	UserID      string
	Email       string
	AddressID   string
	ProductID   string
	VariationID string
}

// SeedFixture inserts a customer with a default address and a product with a
// single variation priced at price with stock units available.
func SeedFixture(ctx context.Context, t *testing.T, db *sql.DB, price string, stock int) Fixture {
	t.Helper()

	f := Fixture{UserID: SeedUser(ctx, t, db)}
	f.Email = mustQueryString(ctx, t, db, `SELECT email FROM users WHERE id = $1`, f.UserID)
	f.AddressID = SeedAddress(ctx, t, db, f.UserID)
	f.ProductID = SeedProduct(ctx, t, db, "Linen shirt", price)
	f.VariationID = SeedVariation(ctx, t, db, f.ProductID, price, stock)

	return f
}

func SeedUser(ctx context.Context, t *testing.T, db *sql.DB) string {
	t.Helper()

	id := uuid.NewString()
	username := "user-" + id[:8]
	mustExec(ctx, t, db, `INSERT INTO users (id, username, email) VALUES ($1, $2, $3)`,
		id, username, username+"@example.com")
	return id
}

func SeedAddress(ctx context.Context, t *testing.T, db *sql.DB, userID string) string {
	t.Helper()

	id := uuid.NewString()
	mustExec(ctx, t, db, `
		INSERT INTO addresses (id, user_id, street, city, state, zip_code, phone, is_default)
		VALUES ($1, $2, '12 Ly Thuong Kiet', 'Hanoi', 'HN', '100000', '0900000000', TRUE)
	`, id, userID)
	return id
}

func SeedProduct(ctx context.Context, t *testing.T, db *sql.DB, name, price string) string {
	t.Helper()

	id := uuid.NewString()
	mustExec(ctx, t, db, `INSERT INTO products (id, name, price) VALUES ($1, $2, $3)`, id, name, price)
	return id
}

func SeedVariation(ctx context.Context, t *testing.T, db *sql.DB, productID, price string, stock int) string {
	t.Helper()

	id := uuid.NewString()
	mustExec(ctx, t, db, `
		INSERT INTO product_variations (id, product_id, size, color, price, stock_quantity)
		VALUES ($1, $2, 'M', 'white', $3, $4)
	`, id, productID, price, stock)
	return id
}

func SeedCartItem(ctx context.Context, t *testing.T, db *sql.DB, userID, productID, variationID string, quantity int) string {
	t.Helper()

	id := uuid.NewString()
	mustExec(ctx, t, db, `
		INSERT INTO cart_items (id, user_id, product_id, variation_id, quantity)
		VALUES ($1, $2, $3, $4, $5)
	`, id, userID, productID, variationID, quantity)
	return id
}

// Count runs a COUNT(*) style query and returns its single integer result.
func Count(ctx context.Context, t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()

	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func StockOf(ctx context.Context, t *testing.T, db *sql.DB, variationID string) int {
	t.Helper()
	return Count(ctx, t, db, `SELECT stock_quantity FROM product_variations WHERE id = $1`, variationID)
}

func mustExec(ctx context.Context, t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		t.Fatalf("fixture insert failed: %v", err)
	}
}

func mustQueryString(ctx context.Context, t *testing.T, db *sql.DB, query string, args ...any) string {
	t.Helper()

	var s string
	if err := db.QueryRowContext(ctx, query, args...).Scan(&s); err != nil {
		t.Fatalf("fixture query failed: %v", err)
	}
	return s
}
