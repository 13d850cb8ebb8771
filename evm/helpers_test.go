package evm_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/evm/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(y int, m time.Month, d int) evm.TimePoint {
	return evm.NewTimePoint(y, m, d)
}

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return evm.MustParseDecimal(s)
}

// assertMoney compares decimals by value; "50000" equals "50000.00".
func assertMoney(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

func year2025() *evm.Schedule {
	return &evm.Schedule{
		ID:        "sched-1",
		StartDate: day(2025, time.January, 1),
		EndDate:   day(2025, time.December, 31),
		Curve:     evm.CurveLinear,
	}
}

// fixture is a project with one WBE, seeded through the ledger.
type fixture struct {
	ctx    context.Context
	store  *store.Memory
	ledger *evm.RecordLedger
	engine *evm.LiveEngine

	projectID evm.EntityID
	wbeID     evm.EntityID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	f := &fixture{
		ctx:       ctx,
		store:     mem,
		ledger:    evm.NewRecordLedger(mem),
		engine:    evm.NewLiveEngine(mem),
		projectID: "p-1",
		wbeID:     "w-1",
	}

	_, err := f.ledger.CreateProject(ctx, evm.Project{ID: f.projectID, Name: "Retrofit", CreatedAt: at(2024, time.December, 1)})
	require.NoError(t, err)
	_, err = f.ledger.CreateWBE(ctx, evm.WBE{ID: f.wbeID, ProjectID: f.projectID, Name: "Civil", CreatedAt: at(2024, time.December, 1)})
	require.NoError(t, err)
	return f
}

// costElement adds a cost element with a linear 2025 schedule.
func (f *fixture) costElement(t *testing.T, id evm.EntityID, bac string, created time.Time) {
	t.Helper()
	_, err := f.ledger.CreateCostElement(f.ctx, evm.CostElement{
		ID: id, WBEID: f.wbeID, Name: string(id), BAC: dec(bac), CreatedAt: created,
	})
	require.NoError(t, err)
	_, err = f.ledger.SetSchedule(f.ctx, evm.Schedule{
		CostElementID: id,
		StartDate:     day(2025, time.January, 1),
		EndDate:       day(2025, time.December, 31),
		Curve:         evm.CurveLinear,
	})
	require.NoError(t, err)
}

func (f *fixture) progress(t *testing.T, id evm.EntityID, on evm.TimePoint, pct string) {
	t.Helper()
	_, err := f.ledger.AppendProgress(f.ctx, evm.ProgressRecord{CostElementID: id, EffectiveDate: on, PercentComplete: dec(pct)})
	require.NoError(t, err)
}

func (f *fixture) cost(t *testing.T, id evm.EntityID, on evm.TimePoint, amount string) {
	t.Helper()
	_, err := f.ledger.AppendCost(f.ctx, evm.CostTransaction{CostElementID: id, Date: on, Amount: dec(amount)})
	require.NoError(t, err)
}
