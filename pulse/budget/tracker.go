package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/logger"
)

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	TenantID   string
	LedgerDate string
	TotalCost  float64
	Cap        float64 // <= 0 means no cap
}

// Reason renders a rejection for job.last_error
func (d Decision) Reason() string {
	if d.Allowed {
		return ""
	}
	return fmt.Sprintf("daily cost cap reached: spent %.4f of %.4f on %s", d.TotalCost, d.Cap, d.LedgerDate)
}

// Status is the spend summary for one tenant on one ledger day
type Status struct {
	TenantID  string  `json:"tenant_id"`
	Date      string  `json:"date"`
	Spend     float64 `json:"spend"`
	JobCount  int     `json:"job_count"`
	Cap       float64 `json:"cap"`
	Remaining float64 `json:"remaining"`
	Capped    bool    `json:"capped"`
}

// Tracker is the admission controller: it admits a tenant's next generation
// while that tenant's spend for the current ledger day is below its cap.
type Tracker struct {
	ledger *Ledger
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	dailyCap   float64
	tenantCaps map[string]float64
}

// NewTracker creates an admission controller over ledger
func NewTracker(ledger *Ledger, cfg am.BudgetConfig, log *zap.SugaredLogger) *Tracker {
	t := &Tracker{
		ledger: ledger,
		logger: logger.AddPulseSymbol(log.Named("budget")),
	}
	t.UpdateDailyCap(cfg.DailyCostCap)
	t.SetTenantCaps(cfg.TenantCaps)
	return t
}

// Admit reads today's ledger entry for tenantID and allows the job while
// totalCost < cap. The check happens before the job runs, so a single job may
// carry the total past the cap; the next one is rejected.
func (t *Tracker) Admit(ctx context.Context, tenantID string, now time.Time) (Decision, error) {
	limit := t.CapFor(tenantID)
	date := t.ledger.Date(now)
	d := Decision{Allowed: true, TenantID: tenantID, LedgerDate: date, Cap: limit}

	if limit <= 0 {
		return d, nil
	}

	entry, err := t.ledger.Entry(ctx, tenantID, date)
	if err != nil {
		return Decision{}, errors.Wrap(err, "admission check failed")
	}
	d.TotalCost = entry.TotalCost
	d.Allowed = entry.TotalCost < limit

	if !d.Allowed {
		t.logger.Infow("Admission rejected",
			logger.FieldTenantID, tenantID,
			logger.FieldLedgerDate, date,
			"spend", entry.TotalCost,
			"cap", limit)
	}
	return d, nil
}

// Status summarises tenantID's spend for the ledger day containing now
func (t *Tracker) Status(ctx context.Context, tenantID string, now time.Time) (*Status, error) {
	date := t.ledger.Date(now)
	entry, err := t.ledger.Entry(ctx, tenantID, date)
	if err != nil {
		return nil, err
	}

	limit := t.CapFor(tenantID)
	s := &Status{
		TenantID: tenantID,
		Date:     date,
		Spend:    entry.TotalCost,
		JobCount: entry.JobCount,
		Cap:      limit,
	}
	if limit > 0 {
		s.Remaining = limit - entry.TotalCost
		if s.Remaining < 0 {
			s.Remaining = 0
		}
		s.Capped = entry.TotalCost >= limit
	}
	return s, nil
}

// Ledger exposes the underlying ledger
func (t *Tracker) Ledger() *Ledger {
	return t.ledger
}

// CapFor returns the cap for tenantID: its override if set, else the default
func (t *Tracker) CapFor(tenantID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.tenantCaps[tenantID]; ok {
		return c
	}
	return t.dailyCap
}

// UpdateDailyCap changes the default cap. Takes effect on the next Admit.
func (t *Tracker) UpdateDailyCap(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailyCap = v
}

// SetTenantCaps replaces the per-tenant overrides
func (t *Tracker) SetTenantCaps(caps map[string]float64) {
	copied := make(map[string]float64, len(caps))
	for k, v := range caps {
		copied[k] = v
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tenantCaps = copied
}

// ApplyConfig is an am.ReloadCallback that hot-reloads caps
func (t *Tracker) ApplyConfig(cfg *am.Config) error {
	t.mu.RLock()
	oldCap := t.dailyCap
	t.mu.RUnlock()

	t.UpdateDailyCap(cfg.Budget.DailyCostCap)
	t.SetTenantCaps(cfg.Budget.TenantCaps)

	t.logger.Infow("Budget caps reloaded",
		"daily_cost_cap", cfg.Budget.DailyCostCap,
		"previous_cap", oldCap,
		"tenant_overrides", len(cfg.Budget.TenantCaps))
	return nil
}
