// Package dbtest provides a shared, schema-isolated PostgreSQL test harness,
// adapted from the teacher's test/util and test/database packages: a single
// testcontainers-managed Postgres instance is started once per test binary
// and every test gets its own schema (via search_path) so tests can run in
// parallel without clobbering each other's rows.
package dbtest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/empicore/empi/pkg/config"
	"github.com/empicore/empi/pkg/database"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewClient returns a *database.Client backed by a freshly migrated,
// uniquely-named schema inside the shared test container. The schema (and
// the client's connection pool) are cleaned up via t.Cleanup.
func NewClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	admin, err := sql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = admin.Close()

	t.Cleanup(func() {
		cleanup, err := sql.Open("pgx", baseConnStr)
		if err != nil {
			t.Logf("dbtest: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanup.Close() }()
		if _, err := cleanup.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
			t.Logf("dbtest: failed to drop schema %s: %v", schemaName, err)
		}
	})

	connStrWithSchema := addSearchPath(baseConnStr, schemaName)
	dbCfg := parseDatabaseConfig(t, connStrWithSchema)

	client, err := database.NewClient(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

// getOrCreateSharedDatabase lazily starts one Postgres testcontainer per
// test binary run and returns its base connection string.
func getOrCreateSharedDatabase(t *testing.T) string {
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("dbtest: starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("empi_test"),
			postgres.WithUsername("empi_test"),
			postgres.WithPassword("empi_test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to start shared test container")
	return sharedConnStr
}

func generateSchemaName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

func addSearchPath(connStr, schemaName string) string {
	separator := "?"
	if strings.Contains(connStr, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, separator, schemaName)
}

// parseDatabaseConfig wraps a postgres:// DSN produced by testcontainers in
// a config.DatabaseConfig, so it can be fed through the same DSN() path
// production code uses. search_path isn't part of DatabaseConfig, so the
// whole DSN is passed through DSNOverride rather than split into
// host/port/user fields; the sql.Open call only checks that it parses.
func parseDatabaseConfig(t *testing.T, rawConnStr string) config.DatabaseConfig {
	t.Helper()
	db, err := sql.Open("pgx", rawConnStr)
	require.NoError(t, err)
	_ = db.Close()

	return config.DatabaseConfig{
		DSNOverride:     rawConnStr,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}
}
