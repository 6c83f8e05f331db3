// Package budget provides the per-tenant daily cost ledger and the admission
// controller that reads it.
//
// The ledger is keyed by (tenant, ledger date). Rows are only ever incremented;
// a new day starts a new row, which is how the daily cap rolls over.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
)

// DateLayout is the ledger_date format
const DateLayout = "2006-01-02"

// Entry is one tenant's spend for one ledger day
type Entry struct {
	TenantID  string    `json:"tenant_id"`
	Date      string    `json:"date"`
	TotalCost float64   `json:"total_cost"`
	JobCount  int       `json:"job_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger reads and increments cost_ledger rows
type Ledger struct {
	db  *sql.DB
	loc *time.Location

	qEntry  string
	qAdd    string
	qOpen   string
	qList   string
	qListAt string
}

// NewLedger creates a ledger whose day boundary is midnight in loc (UTC if nil)
func NewLedger(conn *sql.DB, dialect db.Dialect, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		db:  conn,
		loc: loc,
		qEntry: dialect.Rebind(`SELECT tenant_id, ledger_date, total_cost, job_count, updated_at
			FROM cost_ledger WHERE tenant_id = ? AND ledger_date = ?`),
		qAdd: dialect.Rebind(`INSERT INTO cost_ledger (tenant_id, ledger_date, total_cost, job_count, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (tenant_id, ledger_date) DO UPDATE SET
				total_cost = cost_ledger.total_cost + excluded.total_cost,
				job_count = cost_ledger.job_count + 1,
				updated_at = excluded.updated_at`),
		qOpen: dialect.Rebind(`INSERT INTO cost_ledger (tenant_id, ledger_date, total_cost, job_count, updated_at)
			VALUES (?, ?, 0, 0, ?)
			ON CONFLICT (tenant_id, ledger_date) DO NOTHING`),
		qList: dialect.Rebind(`SELECT tenant_id, ledger_date, total_cost, job_count, updated_at
			FROM cost_ledger ORDER BY ledger_date DESC, tenant_id LIMIT ?`),
		qListAt: dialect.Rebind(`SELECT tenant_id, ledger_date, total_cost, job_count, updated_at
			FROM cost_ledger WHERE tenant_id = ? ORDER BY ledger_date DESC LIMIT ?`),
	}
}

// Location returns the ledger's day-boundary timezone
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Date returns the ledger date that contains now
func (l *Ledger) Date(now time.Time) string {
	return now.In(l.loc).Format(DateLayout)
}

// Entry returns the row for (tenantID, date). A missing row is a zero entry.
func (l *Ledger) Entry(ctx context.Context, tenantID, date string) (*Entry, error) {
	var (
		e         Entry
		updatedAt int64
	)
	err := l.db.QueryRowContext(ctx, l.qEntry, tenantID, date).
		Scan(&e.TenantID, &e.Date, &e.TotalCost, &e.JobCount, &updatedAt)
	if err == sql.ErrNoRows {
		return &Entry{TenantID: tenantID, Date: date}, nil
	}
	if err != nil {
		err = errors.Wrap(err, "failed to read cost ledger")
		return nil, errors.WithDetail(err, fmt.Sprintf("Tenant: %s, date: %s", tenantID, date))
	}
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

// AddTx adds cost to today's row inside tx and counts one job against it.
// The caller's job transition commits or rolls back together with it.
func (l *Ledger) AddTx(ctx context.Context, tx *sql.Tx, tenantID string, now time.Time, cost float64) error {
	if cost < 0 {
		return errors.NewInvalidRequestError("negative cost %.4f for tenant %s", cost, tenantID)
	}
	date := l.Date(now)
	if _, err := tx.ExecContext(ctx, l.qAdd, tenantID, date, cost, now.UnixMilli()); err != nil {
		err = errors.Wrap(err, "failed to increment cost ledger")
		return errors.WithDetail(err, fmt.Sprintf("Tenant: %s, date: %s, cost: %.4f", tenantID, date, cost))
	}
	return nil
}

// Add is AddTx in its own transaction
func (l *Ledger) Add(ctx context.Context, tenantID string, now time.Time, cost float64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin ledger transaction")
	}
	defer tx.Rollback()

	if err := l.AddTx(ctx, tx, tenantID, now, cost); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit ledger increment")
}

// Open creates the zero row for (tenantID, date) if it is missing.
// The blocked-job sweep opens the new day before releasing jobs into it.
func (l *Ledger) Open(ctx context.Context, tenantID, date string, now time.Time) error {
	if _, err := l.db.ExecContext(ctx, l.qOpen, tenantID, date, now.UnixMilli()); err != nil {
		err = errors.Wrap(err, "failed to open ledger day")
		return errors.WithDetail(err, fmt.Sprintf("Tenant: %s, date: %s", tenantID, date))
	}
	return nil
}

// ListEntries returns the most recent rows, for one tenant or all when tenantID is empty
func (l *Ledger) ListEntries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 30
	}

	var (
		rows *sql.Rows
		err  error
	)
	if tenantID == "" {
		rows, err = l.db.QueryContext(ctx, l.qList, limit)
	} else {
		rows, err = l.db.QueryContext(ctx, l.qListAt, tenantID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ledger entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			updatedAt int64
		)
		if err := rows.Scan(&e.TenantID, &e.Date, &e.TotalCost, &e.JobCount, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan ledger entry")
		}
		e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate ledger entries")
}
