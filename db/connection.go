package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// Driver names registered by the two SQLite implementations
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// DSN builds the connection string for driver. Pragmas are carried in the DSN
// so every pooled connection gets them, and write transactions start with
// BEGIN IMMEDIATE.
func DSN(path, driver string) (string, error) {
	var params []string
	switch driver {
	case "", DriverCGO:
		params = []string{
			fmt.Sprintf("_busy_timeout=%d", SQLiteBusyTimeoutMS),
			"_foreign_keys=on",
			"_journal_mode=WAL",
			"_txlock=immediate",
		}
	case DriverPureGo:
		params = []string{
			fmt.Sprintf("_pragma=busy_timeout(%d)", SQLiteBusyTimeoutMS),
			"_pragma=foreign_keys(1)",
			"_pragma=journal_mode(WAL)",
			"_txlock=immediate",
		}
	default:
		return "", errors.NewConfigurationError("unsupported sqlite driver %q", driver)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&"), nil
}

// Open opens a SQLite database at the specified path with the given driver
// ("sqlite3" or "sqlite"; empty means "sqlite3").
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path, driver string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "driver", driver, "symbol", sym.DB)
	}

	dsn, err := DSN(path, driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	// Force a connection so path and pragma errors surface here
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WrapStoreUnavailable(err, fmt.Sprintf("ping database %s", path))
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"driver", driver,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations
func OpenWithMigrations(path, driver string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, driver, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to migrate database %s", path)
	}
	return db, nil
}
