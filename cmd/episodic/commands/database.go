package commands

import (
	"database/sql"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
	"github.com/teranos/episodic/pulse/async"
	"github.com/teranos/episodic/pulse/budget"
	"github.com/teranos/episodic/pulse/schedule"
)

// stores bundles the migrated database and the stores built on it
type stores struct {
	cfg      *am.Config
	conn     *sql.DB
	dialect  db.Dialect
	ledger   *budget.Ledger
	jobs     *async.Store
	projects *schedule.ProjectStore
}

// openStores loads config, opens and migrates the configured database and
// builds the ledger, job and project stores. Uses logger.Logger for db operations.
func openStores() (*stores, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return openStoresWith(cfg)
}

func openStoresWith(cfg *am.Config) (*stores, error) {
	loc, err := cfg.Budget.LedgerLocation()
	if err != nil {
		return nil, err
	}

	conn, dialect, err := db.OpenWithMigrations(cfg.Database, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", cfg.Database.Driver)
	}

	ledger := budget.NewLedger(conn, dialect, loc)
	return &stores{
		cfg:      cfg,
		conn:     conn,
		dialect:  dialect,
		ledger:   ledger,
		jobs:     async.NewStore(conn, dialect, ledger),
		projects: schedule.NewProjectStore(conn, dialect),
	}, nil
}

func (s *stores) Close() error {
	return s.conn.Close()
}
