package evm

import (
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROGRESSION EVALUATOR - planned completion fraction in [0, 1]
// =============================================================================

const (
	// gaussianSigma is the standard deviation of the bell curve on the
	// normalized [0, 1] interval; the interval spans +/- 3 sigma around the
	// midpoint.
	gaussianSigma = 1.0 / 6.0

	// logarithmicSteepness is k in ln(1 + k*t) / ln(1 + k). With k = 9 the
	// curve is log10(1 + 9t): half the work is planned by ~24% of the time.
	logarithmicSteepness = 9.0

	// curveScale bounds the float64 residue carried into decimal arithmetic.
	curveScale int32 = 10
)

var decimalOne = decimal.NewFromInt(1)

// PlannedFraction returns the planned completion of a schedule as of control.
//
//   - control before start       -> 0
//   - control on or after end    -> 1
//   - start == end               -> 0 before that date, 1 on/after it
//
// The result depends only on its arguments.
func PlannedFraction(start, end TimePoint, curve CurveShape, control TimePoint) decimal.Decimal {
	if control.Before(start) {
		return decimal.Zero
	}
	if control.AfterOrEqual(end) {
		return decimalOne
	}

	elapsed := DaysBetween(start, control)
	total := DaysBetween(start, end)
	if total <= 0 || elapsed <= 0 {
		return decimal.Zero
	}

	switch curve {
	case CurveGaussian:
		return curveFraction(gaussianFraction(float64(elapsed) / float64(total)))
	case CurveLogarithmic:
		return curveFraction(logarithmicFraction(float64(elapsed) / float64(total)))
	default:
		return decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(total)))
	}
}

// ScheduleFraction is PlannedFraction for an optional schedule; no schedule
// means nothing is planned.
func ScheduleFraction(s *Schedule, control TimePoint) decimal.Decimal {
	if s == nil {
		return decimal.Zero
	}
	return PlannedFraction(s.StartDate, s.EndDate, s.Curve, control)
}

// gaussianFraction is the normal CDF centred on 0.5, rescaled so that
// t = 0 maps to exactly 0 and t = 1 to exactly 1.
func gaussianFraction(t float64) float64 {
	lo := normalCDF(-0.5 / gaussianSigma)
	hi := normalCDF(0.5 / gaussianSigma)
	return (normalCDF((t-0.5)/gaussianSigma) - lo) / (hi - lo)
}

func logarithmicFraction(t float64) float64 {
	return math.Log1p(logarithmicSteepness*t) / math.Log1p(logarithmicSteepness)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func curveFraction(f float64) decimal.Decimal {
	switch {
	case f <= 0 || math.IsNaN(f):
		return decimal.Zero
	case f >= 1:
		return decimalOne
	}
	return decimal.NewFromFloat(f).Round(curveScale)
}
