// Package testutil starts the Postgres container shared by integration tests.
// Integration tests only run when SEKIMON_INTEGRATION=1.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    if !testutil.IntegrationEnabled() {
//	        os.Exit(m.Run())
//	    }
//	    pg := testutil.MustStartPostgres()
//	    testDB = pg.MustNewTestDB(logger)
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/migrations"
)

// IntegrationEnabled reports whether container-backed tests should run.
func IntegrationEnabled() bool {
	return os.Getenv("SEKIMON_INTEGRATION") == "1"
}

// Postgres wraps a running Postgres container.
type Postgres struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container. Calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *Postgres {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "sekimon",
			"POSTGRES_PASSWORD": "sekimon",
			"POSTGRES_DB":       "sekimon",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fatalf("failed to start container: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fatalf("failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://sekimon:sekimon@%s:%s/sekimon?sslmode=disable", host, port.Port())
	return &Postgres{Container: container, DSN: dsn}
}

// MustNewTestDB connects a storage.DB, with LISTEN/NOTIFY enabled, and
// applies every migration.
func (p *Postgres) MustNewTestDB(logger *slog.Logger) *storage.DB {
	ctx := context.Background()
	db, err := storage.New(ctx, p.DSN, p.DSN, logger)
	if err != nil {
		fatalf("create DB: %v", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		fatalf("run migrations: %v", err)
	}
	return db
}

// Terminate stops and removes the container.
func (p *Postgres) Terminate() {
	_ = p.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "testutil: "+format+"\n", args...)
	os.Exit(1)
}
