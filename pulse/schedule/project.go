package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/episodic/db"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/pulse/recurrence"
)

// ProjectState is the lifecycle state of a project mirror row
type ProjectState string

const (
	ProjectActive  ProjectState = "active"
	ProjectPaused  ProjectState = "paused"
	ProjectDeleted ProjectState = "deleted"
)

// IsValidProjectState reports whether s names a known project state
func IsValidProjectState(s string) bool {
	switch ProjectState(s) {
	case ProjectActive, ProjectPaused, ProjectDeleted:
		return true
	}
	return false
}

// Project is the local mirror of an externally owned project.
// It is written only through inbound project events.
type Project struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Recurrence recurrence.Config `json:"recurrence"`
	State      ProjectState      `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ProjectStore handles persistence of project mirror rows
type ProjectStore struct {
	db *sql.DB

	qUpsert     string
	qGet        string
	qListState  string
	qListAll    string
	qSetState   string
	qRecurrence string
}

const projectColumns = `id, tenant_id, mode, days_of_week, delivery_hour, timezone, state, created_at, updated_at`

// NewProjectStore creates a project store for the given dialect
func NewProjectStore(conn *sql.DB, dialect db.Dialect) *ProjectStore {
	return &ProjectStore{
		db: conn,
		qUpsert: dialect.Rebind(`INSERT INTO projects (` + projectColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				mode = excluded.mode,
				days_of_week = excluded.days_of_week,
				delivery_hour = excluded.delivery_hour,
				timezone = excluded.timezone,
				state = excluded.state,
				updated_at = excluded.updated_at`),
		qGet:        dialect.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE id = ?`),
		qListState:  dialect.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE state = ? ORDER BY id`),
		qListAll:    `SELECT ` + projectColumns + ` FROM projects ORDER BY id`,
		qSetState:   dialect.Rebind(`UPDATE projects SET state = ?, updated_at = ? WHERE id = ?`),
		qRecurrence: dialect.Rebind(`UPDATE projects SET mode = ?, days_of_week = ?, delivery_hour = ?, timezone = ?, updated_at = ? WHERE id = ?`),
	}
}

// Upsert registers a project or replaces its tenant, recurrence and state.
// created_at is kept from the first registration.
func (s *ProjectStore) Upsert(ctx context.Context, p *Project, now time.Time) error {
	if p.ID == "" {
		return errors.NewInvalidRequestError("project id is required")
	}
	if p.TenantID == "" {
		return errors.NewInvalidRequestError("tenant id is required for project %s", p.ID)
	}
	if p.State == "" {
		p.State = ProjectActive
	}
	if !IsValidProjectState(string(p.State)) {
		return errors.NewInvalidRequestError("unknown project state %q", p.State)
	}
	if err := p.Recurrence.Validate(); err != nil {
		return errors.Wrapf(err, "project %s", p.ID)
	}

	nowMS := now.UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.qUpsert,
		p.ID,
		p.TenantID,
		string(p.Recurrence.Mode),
		recurrence.FormatDays(p.Recurrence.DaysOfWeek),
		p.Recurrence.DeliveryHour,
		p.Recurrence.Timezone,
		string(p.State),
		nowMS,
		nowMS,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert project %s", p.ID)
	}
	return nil
}

// Get returns a project by id
func (s *ProjectStore) Get(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, s.qGet, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("project %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get project %s", id)
	}
	return p, nil
}

// ListActive returns every project the scheduler should materialize jobs for
func (s *ProjectStore) ListActive(ctx context.Context) ([]*Project, error) {
	return s.list(ctx, s.qListState, string(ProjectActive))
}

// List returns every project, optionally filtered by state
func (s *ProjectStore) List(ctx context.Context, state ProjectState) ([]*Project, error) {
	if state == "" {
		return s.list(ctx, s.qListAll)
	}
	return s.list(ctx, s.qListState, string(state))
}

func (s *ProjectStore) list(ctx context.Context, query string, args ...interface{}) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan project")
		}
		projects = append(projects, p)
	}
	return projects, errors.Wrap(rows.Err(), "failed to iterate projects")
}

// SetState moves a project to state
func (s *ProjectStore) SetState(ctx context.Context, id string, state ProjectState, now time.Time) error {
	if !IsValidProjectState(string(state)) {
		return errors.NewInvalidRequestError("unknown project state %q", state)
	}
	res, err := s.db.ExecContext(ctx, s.qSetState, string(state), now.UTC().UnixMilli(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set project %s state", id)
	}
	return requireAffected(res, id)
}

// UpdateRecurrence replaces a project's recurrence
func (s *ProjectStore) UpdateRecurrence(ctx context.Context, id string, cfg recurrence.Config, now time.Time) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.qRecurrence,
		string(cfg.Mode),
		recurrence.FormatDays(cfg.DaysOfWeek),
		cfg.DeliveryHour,
		cfg.Timezone,
		now.UTC().UnixMilli(),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update project %s recurrence", id)
	}
	return requireAffected(res, id)
}

// IsActive reports whether deliveries for the project should still go out.
// Unknown projects are inactive.
func (s *ProjectStore) IsActive(ctx context.Context, id string) (bool, error) {
	p, err := s.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.State == ProjectActive, nil
}

type projectRow interface {
	Scan(dest ...interface{}) error
}

func scanProject(row projectRow) (*Project, error) {
	var (
		p                    Project
		mode, days, state    string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&mode,
		&days,
		&p.Recurrence.DeliveryHour,
		&p.Recurrence.Timezone,
		&state,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Recurrence.Mode = recurrence.Mode(mode)
	p.Recurrence.DaysOfWeek, err = recurrence.ParseDays(days)
	if err != nil {
		return nil, errors.Wrapf(err, "project %s days_of_week", p.ID)
	}
	p.State = ProjectState(state)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &p, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("project %s", id)
	}
	return nil
}
