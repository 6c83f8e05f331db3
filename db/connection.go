package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/sym"
)

// Open opens the database selected by cfg and reports its dialect.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(cfg am.DatabaseConfig, logger *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	dialect, ok := ParseDialect(cfg.Driver)
	if !ok {
		return nil, "", errors.Newf("unsupported database driver %q", cfg.Driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case Postgres:
		db, err = OpenPostgres(cfg.DSN, cfg.MaxOpenConns, logger)
	default:
		db, err = OpenSQLite(cfg.Path, cfg.BusyTimeoutMS, logger)
	}
	if err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}

// OpenSQLite opens a SQLite database at path.
// Pragmas go into the DSN so every pooled connection gets them, and
// _txlock=immediate makes BEGIN take the write lock up front.
func OpenSQLite(path string, busyTimeoutMS int, logger *zap.SugaredLogger) (*sql.DB, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path, busyTimeoutMS))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"driver", SQLite,
			"wal_mode", path != ":memory:",
			"busy_timeout_ms", busyTimeoutMS,
		)
	}

	return db, nil
}

func sqliteDSN(path string, busyTimeoutMS int) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busyTimeoutMS))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	prefix := ""
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		prefix = "file:"
	}
	return prefix + path + sep + params.Encode()
}

// OpenPostgres opens a PostgreSQL pool through the pgx stdlib driver
func OpenPostgres(dsn string, maxOpenConns int, logger *zap.SugaredLogger) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres database")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithDetail(errors.Wrap(err, "failed to connect to postgres"),
			"Check database.dsn or EPISODIC_DATABASE_DSN")
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"symbol", sym.DB,
			"driver", Postgres,
			"max_open_conns", maxOpenConns,
		)
	}
	return db, nil
}

// OpenWithMigrations opens the configured database and applies pending migrations
func OpenWithMigrations(cfg am.DatabaseConfig, logger *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	db, dialect, err := Open(cfg, logger)
	if err != nil {
		return nil, "", err
	}
	if err := Migrate(db, dialect, logger); err != nil {
		db.Close()
		return nil, "", errors.Wrap(err, "failed to run migrations")
	}
	return db, dialect, nil
}
