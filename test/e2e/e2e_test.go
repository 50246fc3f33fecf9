//go:build e2e

package e2e

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/pendergraft/querypay/internal/config"
	"github.com/pendergraft/querypay/internal/observability/metrics"
	"github.com/pendergraft/querypay/internal/storage"
)

var testCtx *TestContext

func TestMain(m *testing.M) {
	flag.Parse()

	if os.Getenv("DOCKER_HOST") == "" && os.Getenv("TESTCONTAINERS_DOCKER_SOCKET") == "" {
		// testcontainers will use default docker socket, which should work on most systems
		log.Println("Using default Docker socket for testcontainers")
	}

	ctx := context.Background()
	testCtx = &TestContext{}

	log.Println("Starting Postgres container...")
	var err error
	testCtx.PostgresContainer, testCtx.ConnString, err = setupPostgresE(ctx)
	if err != nil {
		log.Fatalf("Failed to start postgres: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testCtx.Store, err = storage.New(config.StorageConfig{
		Type:     "postgres",
		Postgres: config.PostgresConfig{URL: testCtx.ConnString},
	}, logger)
	if err != nil {
		_ = testCtx.PostgresContainer.Terminate(ctx)
		log.Fatalf("Failed to create store: %v", err)
	}
	if err := testCtx.Store.Migrate(ctx); err != nil {
		_ = testCtx.PostgresContainer.Terminate(ctx)
		log.Fatalf("Failed to run migrations: %v", err)
	}
	metrics.Init(true, "querypay-e2e")
	log.Println("Postgres ready at:", testCtx.ConnString)

	exitCode := m.Run()

	_ = testCtx.Store.Close()
	if err := testCtx.PostgresContainer.Terminate(ctx); err != nil {
		log.Printf("Failed to terminate postgres container: %v", err)
	}
	log.Println("E2E tests completed with exit code:", exitCode)
	os.Exit(exitCode)
}
