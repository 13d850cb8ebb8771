package evm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/evm-engine/evm"
)

func progressRec(id string, on evm.TimePoint, pct string, created time.Time) evm.ProgressRecord {
	return evm.ProgressRecord{ID: id, CostElementID: "ce-1", EffectiveDate: on, PercentComplete: dec(pct), CreatedAt: created}
}

func TestSelectAsOf_LatestNotLargest(t *testing.T) {
	// GIVEN: 80% on Jan 1, corrected to 60% on Jan 5
	// WHEN: Selecting as of Jan 10
	// THEN: The Jan 5 record wins; magnitude is irrelevant

	records := []evm.ProgressRecord{
		progressRec("a", day(2025, time.January, 1), "80", at(2025, time.January, 1)),
		progressRec("b", day(2025, time.January, 5), "60", at(2025, time.January, 5)),
	}

	got, ok := evm.SelectAsOf(records, day(2025, time.January, 10))
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
	assertMoney(t, "60", got.PercentComplete, "percent")
}

func TestSelectAsOf_IgnoresFutureRecords(t *testing.T) {
	records := []evm.ProgressRecord{
		progressRec("a", day(2025, time.January, 1), "10", at(2025, time.January, 1)),
		progressRec("b", day(2025, time.February, 1), "40", at(2025, time.January, 2)),
	}

	got, ok := evm.SelectAsOf(records, day(2025, time.January, 31))
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	got, ok = evm.SelectAsOf(records, day(2025, time.February, 1))
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "effective on the control date counts")
}

func TestSelectAsOf_NoneQualifies(t *testing.T) {
	records := []evm.ProgressRecord{
		progressRec("a", day(2025, time.March, 1), "10", at(2025, time.March, 1)),
	}

	_, ok := evm.SelectAsOf(records, day(2025, time.February, 28))
	assert.False(t, ok)

	_, ok = evm.SelectAsOf([]evm.ProgressRecord(nil), day(2025, time.February, 28))
	assert.False(t, ok)
}

func TestSelectAsOf_TieBreaks(t *testing.T) {
	// GIVEN: Two records effective the same day
	// THEN: Later creation wins; with equal creation the greater id wins;
	//       input order never matters

	same := day(2025, time.April, 1)

	early := progressRec("z", same, "30", at(2025, time.April, 1))
	late := progressRec("a", same, "35", at(2025, time.April, 2))

	got, _ := evm.SelectAsOf([]evm.ProgressRecord{early, late}, same)
	assert.Equal(t, "a", got.ID)
	got, _ = evm.SelectAsOf([]evm.ProgressRecord{late, early}, same)
	assert.Equal(t, "a", got.ID)

	x := progressRec("x", same, "30", at(2025, time.April, 1))
	y := progressRec("y", same, "31", at(2025, time.April, 1))
	got, _ = evm.SelectAsOf([]evm.ProgressRecord{y, x}, same)
	assert.Equal(t, "y", got.ID)
	got, _ = evm.SelectAsOf([]evm.ProgressRecord{x, y}, same)
	assert.Equal(t, "y", got.ID)
}

func TestSelectAsOf_Forecasts(t *testing.T) {
	forecasts := []evm.Forecast{
		{ID: "f1", EffectiveDate: day(2025, time.March, 1), EAC: dec("1100"), CreatedAt: at(2025, time.March, 1)},
		{ID: "f2", EffectiveDate: day(2025, time.June, 1), EAC: dec("1250"), CreatedAt: at(2025, time.June, 1)},
	}

	got, ok := evm.SelectAsOf(forecasts, day(2025, time.May, 31))
	require.True(t, ok)
	assert.Equal(t, "f1", got.ID)
}
