package evm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/evm-engine/evm"
)

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestRecordLedger_DuplicateIdempotencyKeyRejected(t *testing.T) {
	// GIVEN: A cost recorded with key "inv-101"
	// WHEN: The client retries with the same key
	// THEN: Rejected, and the cost is counted once

	f := newFixture(t)
	f.costElement(t, "ce-1", "1000", at(2024, time.December, 1))

	c := evm.CostTransaction{CostElementID: "ce-1", Date: day(2025, time.May, 1), Amount: dec("100"), IdempotencyKey: "inv-101"}
	_, err := f.ledger.AppendCost(f.ctx, c)
	require.NoError(t, err)

	_, err = f.ledger.AppendCost(f.ctx, c)
	assert.ErrorIs(t, err, evm.ErrDuplicateIdempotencyKey)
	assert.True(t, evm.IsConflict(err))

	m, err := f.engine.CostElementMetrics(f.ctx, "ce-1", day(2025, time.June, 1))
	require.NoError(t, err)
	assertMoney(t, "100", m.AC, "AC")
}

func TestRecordLedger_KeysSharedAcrossRecordKinds(t *testing.T) {
	f := newFixture(t)
	f.costElement(t, "ce-1", "1000", at(2024, time.December, 1))

	_, err := f.ledger.AppendProgress(f.ctx, evm.ProgressRecord{CostElementID: "ce-1", EffectiveDate: day(2025, time.May, 1), PercentComplete: dec("10"), IdempotencyKey: "k-1"})
	require.NoError(t, err)

	_, err = f.ledger.AppendForecast(f.ctx, evm.Forecast{CostElementID: "ce-1", EffectiveDate: day(2025, time.May, 1), EAC: dec("1100"), IdempotencyKey: "k-1"})
	assert.ErrorIs(t, err, evm.ErrDuplicateIdempotencyKey)
}

func TestRecordLedger_EmptyKeyNeverConflicts(t *testing.T) {
	f := newFixture(t)
	f.costElement(t, "ce-1", "1000", at(2024, time.December, 1))

	for i := 0; i < 3; i++ {
		f.cost(t, "ce-1", day(2025, time.May, 1), "10")
	}

	costs, err := f.store.ListCostTransactions(f.ctx, "ce-1")
	require.NoError(t, err)
	assert.Len(t, costs, 3)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestRecordLedger_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	f.costElement(t, "ce-1", "1000", at(2024, time.December, 1))

	_, err := f.ledger.AppendProgress(f.ctx, evm.ProgressRecord{CostElementID: "ce-1", EffectiveDate: day(2025, time.May, 1), PercentComplete: dec("120")})
	assert.True(t, evm.IsClientError(err), "percent above 100")

	_, err = f.ledger.AppendProgress(f.ctx, evm.ProgressRecord{CostElementID: "ce-1", EffectiveDate: day(2025, time.May, 1), PercentComplete: dec("-1")})
	assert.True(t, evm.IsClientError(err), "negative percent")

	_, err = f.ledger.AppendCost(f.ctx, evm.CostTransaction{CostElementID: "ce-1", Date: day(2025, time.May, 1), Amount: dec("-5")})
	assert.True(t, evm.IsClientError(err), "negative cost")

	_, err = f.ledger.AppendForecast(f.ctx, evm.Forecast{CostElementID: "ce-1", EffectiveDate: day(2025, time.May, 1), EAC: dec("-1")})
	assert.True(t, evm.IsClientError(err), "negative EAC")

	_, err = f.ledger.SetSchedule(f.ctx, evm.Schedule{CostElementID: "ce-1", StartDate: day(2025, time.June, 1), EndDate: day(2025, time.May, 1)})
	assert.True(t, evm.IsClientError(err), "end before start")

	_, err = f.ledger.SetSchedule(f.ctx, evm.Schedule{CostElementID: "ce-1", StartDate: day(2025, time.May, 1), EndDate: day(2025, time.June, 1), Curve: "zigzag"})
	assert.True(t, evm.IsClientError(err), "unknown curve")

	_, err = f.ledger.CreateCostElement(f.ctx, evm.CostElement{WBEID: f.wbeID, Name: "x", BAC: dec("-1")})
	assert.True(t, evm.IsClientError(err), "negative BAC")

	var ve *evm.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "bac", ve.Field)
}

func TestRecordLedger_UnknownParents(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.AppendCost(f.ctx, evm.CostTransaction{CostElementID: "ghost", Date: day(2025, time.May, 1), Amount: dec("5")})
	assert.ErrorIs(t, err, evm.ErrCostElementNotFound)

	_, err = f.ledger.CreateCostElement(f.ctx, evm.CostElement{WBEID: "ghost", Name: "x", BAC: dec("1")})
	assert.ErrorIs(t, err, evm.ErrWBENotFound)

	_, err = f.ledger.CreateWBE(f.ctx, evm.WBE{ProjectID: "ghost", Name: "x"})
	assert.ErrorIs(t, err, evm.ErrProjectNotFound)
}

// =============================================================================
// STAMPING
// =============================================================================

func TestRecordLedger_AssignsIDsAndRoundsMoney(t *testing.T) {
	f := newFixture(t)
	f.ledger.Now = func() time.Time { return at(2025, time.May, 2) }

	ce, err := f.ledger.CreateCostElement(f.ctx, evm.CostElement{WBEID: f.wbeID, Name: "Pumps", BAC: dec("1000.005")})
	require.NoError(t, err)
	assert.NotEmpty(t, ce.ID)
	assert.Equal(t, "1000.01", ce.BAC.StringFixed(2))
	assert.Equal(t, at(2025, time.May, 2), ce.CreatedAt)

	c, err := f.ledger.AppendCost(f.ctx, evm.CostTransaction{CostElementID: ce.ID, Date: day(2025, time.May, 2), Amount: dec("10.125")})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "10.13", c.Amount.StringFixed(2))
}

func TestRecordLedger_OnAppend(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.ledger.OnAppend = func() { calls++ }

	f.costElement(t, "ce-1", "1000", at(2024, time.December, 1)) // element + schedule
	f.cost(t, "ce-1", day(2025, time.May, 1), "10")

	_, err := f.ledger.AppendCost(f.ctx, evm.CostTransaction{CostElementID: "ce-1", Date: day(2025, time.May, 1), Amount: dec("-1")})
	require.Error(t, err)

	assert.Equal(t, 3, calls, "failed writes do not notify")
}
