package database

import (
	"path/filepath"

	"github.com/CMSgov/bcda-export/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/pkg/errors"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration in dir to databaseURL. An already
// current schema is not an error.
func Migrate(databaseURL, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve migrations directory %s", dir)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to prepare migrations")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Export.Warnf("Failed to close migrations: source %v, database %v", srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read migration version")
	}
	log.Export.WithField("version", version).WithField("dirty", dirty).Info("Database migrations applied")
	return nil
}
