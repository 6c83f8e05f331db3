package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/db"
	episodictest "github.com/teranos/episodic/internal/testing"
)

func newTestTracker(t *testing.T, cfg am.BudgetConfig) (*Tracker, *Ledger) {
	t.Helper()
	conn := episodictest.CreateTestDB(t)
	ledger := NewLedger(conn, db.SQLite, time.UTC)
	return NewTracker(ledger, cfg, zap.NewNop().Sugar()), ledger
}

// Given: cap 50.0 and 49.9 already spent today
// When: a job is admitted and reports 0.2
// Then: it was admitted (pre-check) and the next job is rejected
func TestTracker_CostBreakerIsAPreCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)
	tracker, ledger := newTestTracker(t, am.BudgetConfig{DailyCostCap: 50.0})

	require.NoError(t, ledger.Add(ctx, "tenant-a", now, 49.9))

	d, err := tracker.Admit(ctx, "tenant-a", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "49.9 < 50.0 must be admitted")
	assert.InDelta(t, 49.9, d.TotalCost, 1e-9)

	require.NoError(t, ledger.Add(ctx, "tenant-a", now.Add(time.Minute), 0.2))

	d, err = tracker.Admit(ctx, "tenant-a", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "50.1 >= 50.0 must be rejected")
	assert.Equal(t, "2025-03-26", d.LedgerDate)
	assert.Contains(t, d.Reason(), "daily cost cap reached")

	// other tenants are unaffected
	d, err = tracker.Admit(ctx, "tenant-b", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// Given: exactly the cap spent
// Then: rejected (>= cap)
func TestTracker_RejectsAtExactCap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)
	tracker, ledger := newTestTracker(t, am.BudgetConfig{DailyCostCap: 5.0})

	require.NoError(t, ledger.Add(ctx, "t", now, 5.0))

	d, err := tracker.Admit(ctx, "t", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

// Given: a capped tenant
// When: the ledger day rolls over
// Then: the tenant is admitted again against the new day's row
func TestTracker_RollsOverAtLedgerMidnight(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2025, 3, 26, 23, 59, 0, 0, time.UTC)
	tracker, ledger := newTestTracker(t, am.BudgetConfig{DailyCostCap: 1.0})

	require.NoError(t, ledger.Add(ctx, "t", day1, 2.0))
	d, err := tracker.Admit(ctx, "t", day1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = tracker.Admit(ctx, "t", day1.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "2025-03-27", d.LedgerDate)
}

func TestTracker_ZeroCapDisablesBreaker(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	tracker, ledger := newTestTracker(t, am.BudgetConfig{DailyCostCap: 0})

	require.NoError(t, ledger.Add(ctx, "t", now, 1e6))
	d, err := tracker.Admit(ctx, "t", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTracker_TenantOverrideAndReload(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)
	tracker, ledger := newTestTracker(t, am.BudgetConfig{
		DailyCostCap: 10,
		TenantCaps:   map[string]float64{"vip": 100},
	})

	require.NoError(t, ledger.Add(ctx, "vip", now, 20))
	require.NoError(t, ledger.Add(ctx, "regular", now, 20))

	d, err := tracker.Admit(ctx, "vip", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = tracker.Admit(ctx, "regular", now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// hot reload lifts the default cap and drops the override
	cfg := &am.Config{Budget: am.BudgetConfig{DailyCostCap: 30}}
	require.NoError(t, tracker.ApplyConfig(cfg))

	assert.Equal(t, 30.0, tracker.CapFor("vip"))
	d, err = tracker.Admit(ctx, "regular", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTracker_Status(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 26, 10, 0, 0, 0, time.UTC)
	tracker, ledger := newTestTracker(t, am.BudgetConfig{DailyCostCap: 10})

	require.NoError(t, ledger.Add(ctx, "t", now, 4))
	require.NoError(t, ledger.Add(ctx, "t", now, 3.5))

	s, err := tracker.Status(ctx, "t", now)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, s.Spend, 1e-9)
	assert.Equal(t, 2, s.JobCount)
	assert.InDelta(t, 2.5, s.Remaining, 1e-9)
	assert.False(t, s.Capped)
}
