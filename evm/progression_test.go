package evm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/evm-engine/evm"
)

// =============================================================================
// BOUNDARIES
// =============================================================================

func TestPlannedFraction_Boundaries(t *testing.T) {
	start := day(2025, time.January, 1)
	end := day(2025, time.December, 31)

	for _, curve := range []evm.CurveShape{evm.CurveLinear, evm.CurveGaussian, evm.CurveLogarithmic} {
		t.Run(string(curve), func(t *testing.T) {
			assert.True(t, evm.PlannedFraction(start, end, curve, day(2024, time.December, 31)).IsZero(), "before start")
			assert.True(t, evm.PlannedFraction(start, end, curve, start).IsZero(), "on start")
			assert.True(t, evm.PlannedFraction(start, end, curve, end).Equal(dec("1")), "on end")
			assert.True(t, evm.PlannedFraction(start, end, curve, day(2026, time.March, 1)).Equal(dec("1")), "after end")
		})
	}
}

func TestPlannedFraction_ZeroLengthSchedule(t *testing.T) {
	// GIVEN: A schedule that starts and ends on the same day
	// WHEN: Evaluating before and on that day
	// THEN: 0 before, 1 on and after; no division by zero

	d := day(2025, time.May, 5)

	assert.True(t, evm.PlannedFraction(d, d, evm.CurveGaussian, day(2025, time.May, 4)).IsZero())
	assert.True(t, evm.PlannedFraction(d, d, evm.CurveGaussian, d).Equal(dec("1")))
	assert.True(t, evm.PlannedFraction(d, d, evm.CurveLinear, day(2025, time.May, 6)).Equal(dec("1")))
}

func TestScheduleFraction_NoSchedule(t *testing.T) {
	assert.True(t, evm.ScheduleFraction(nil, day(2025, time.June, 1)).IsZero())
}

// =============================================================================
// CURVES
// =============================================================================

func TestPlannedFraction_Linear_Midpoint(t *testing.T) {
	// GIVEN: 2025-01-01 to 2025-12-31 is 364 days; 2025-07-02 is day 182
	// THEN: Exactly half

	f := evm.PlannedFraction(day(2025, time.January, 1), day(2025, time.December, 31), evm.CurveLinear, day(2025, time.July, 2))
	assert.True(t, f.Equal(dec("0.5")), "got %s", f)
}

func TestPlannedFraction_Gaussian_SymmetricAroundMidpoint(t *testing.T) {
	start := day(2025, time.January, 1)
	end := day(2025, time.January, 11)

	mid := evm.PlannedFraction(start, end, evm.CurveGaussian, day(2025, time.January, 6))
	assert.True(t, mid.Equal(dec("0.5")), "got %s", mid)

	early := evm.PlannedFraction(start, end, evm.CurveGaussian, day(2025, time.January, 3))
	late := evm.PlannedFraction(start, end, evm.CurveGaussian, day(2025, time.January, 9))
	assert.True(t, early.Add(late).Sub(dec("1")).Abs().LessThan(dec("0.0000001")), "early %s + late %s", early, late)

	// Slow start: less than linear two days in.
	assert.True(t, early.LessThan(dec("0.2")), "got %s", early)
}

func TestPlannedFraction_Logarithmic_FrontLoaded(t *testing.T) {
	// GIVEN: 9-day schedule, one day elapsed: log10(1 + 9/9) = log10(2)
	start := day(2025, time.January, 1)
	end := day(2025, time.January, 10)

	f, _ := evm.PlannedFraction(start, end, evm.CurveLogarithmic, day(2025, time.January, 2)).Float64()
	assert.InDelta(t, 0.30103, f, 0.00001)
	assert.Greater(t, f, 1.0/9.0, "ahead of linear")
}

func TestPlannedFraction_MonotonicAndBounded(t *testing.T) {
	// GIVEN: Every curve over a 100-day schedule
	// WHEN: Evaluating day by day
	// THEN: Values stay in [0, 1] and never decrease

	start := day(2025, time.March, 1)
	end := start.AddDays(100)

	for _, curve := range []evm.CurveShape{evm.CurveLinear, evm.CurveGaussian, evm.CurveLogarithmic} {
		prev := dec("0")
		for i := -5; i <= 105; i++ {
			f := evm.PlannedFraction(start, end, curve, start.AddDays(i))
			assert.False(t, f.IsNegative(), "%s day %d", curve, i)
			assert.False(t, f.GreaterThan(dec("1")), "%s day %d", curve, i)
			assert.False(t, f.LessThan(prev), "%s day %d: %s < %s", curve, i, f, prev)
			prev = f
		}
	}
}

func TestParseCurveShape(t *testing.T) {
	tests := []struct {
		in   string
		want evm.CurveShape
	}{
		{"", evm.CurveLinear},
		{"Linear", evm.CurveLinear},
		{"bell", evm.CurveGaussian},
		{"s-curve", evm.CurveGaussian},
		{"log", evm.CurveLogarithmic},
	}
	for _, tt := range tests {
		got, err := evm.ParseCurveShape(tt.in)
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := evm.ParseCurveShape("exponential")
	assert.True(t, evm.IsClientError(err))
}
