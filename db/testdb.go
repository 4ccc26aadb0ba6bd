// Package db provides throwaway PostgreSQL databases with the export schema
// applied, for tests that need a real server.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/export/database"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/stdlib"
)

var dsnPattern = regexp.MustCompile(`(?P<conn>postgresql\:\/\/\S+\:\S+\@\S+\:\d+\/)(?P<dbname>[^?]*)(?P<options>\?.*)?`)

type TestDatabase struct {
	DB               *sql.DB
	ConnectionString string
}

// NewTestDatabase creates a database next to the one referenced by
// DATABASE_URL, migrates it and drops it when t finishes. The test is skipped
// when no server is configured or reachable.
func NewTestDatabase(t *testing.T) *TestDatabase {
	dsn := conf.GetEnv("DATABASE_URL")
	if !dsnPattern.MatchString(dsn) {
		t.Skip("DATABASE_URL is not set to a postgresql url")
	}

	admin, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	if err := admin.Ping(); err != nil {
		admin.Close()
		t.Skipf("database is not reachable: %s", err)
	}

	name := strings.ReplaceAll("export_test_"+uuid.New(), "-", "_")
	newDSN := dsnPattern.ReplaceAllString(dsn, fmt.Sprintf("${conn}%s${options}", name))

	// Use CREATE DATABASE + migrate to build tables instead of
	// CREATE DATABASE <NEW> WITH TEMPLATE <OLD>
	// the WITH TEMPLATE requires that there are no active connections to the old database
	_, err = admin.Exec("CREATE DATABASE " + name)
	require.NoError(t, err)

	dir, err := migrationsDir()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(newDSN, dir))

	db, err := sql.Open("pgx", newDSN)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		if _, err := admin.Exec("DROP DATABASE " + name); err != nil {
			t.Logf("failed to drop test database %s: %s", name, err)
		}
		admin.Close()
	})

	return &TestDatabase{DB: db, ConnectionString: newDSN}
}

// ExecuteFile will execute a *.sql file for the test database.
// Sql files for testing purposes should be under a package's 'testdata' directory.
func (td *TestDatabase) ExecuteFile(path string) (int64, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}

	result, err := td.DB.Exec(string(content))
	if err != nil {
		return 0, fmt.Errorf("failed to execute sql: %w", err)
	}
	return result.RowsAffected()
}

// migrationsDir finds db/migrations/bcda_export no matter which package
// directory the test runs from.
func migrationsDir() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	for {
		targetPath := filepath.Join(currentDir, "db", "migrations", "bcda_export")
		_, err := os.Stat(targetPath)
		if err == nil {
			return targetPath, nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("error checking path %s: %w", targetPath, err)
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", fmt.Errorf("file or directory '%s' not found in parent directories", "db/migrations/bcda_export")
		}
		currentDir = parentDir
	}
}
