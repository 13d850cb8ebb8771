/*
calculator.go - Cost Element Metric Calculator

PURPOSE:
  Combines one cost element's budget, schedule, progress records, actual
  cost transactions and forecasts into a MetricSet as of a control date.

FORMULAS:
  PV   = BAC x planned fraction (0 without schedule)
  EV   = BAC x percent complete / 100 of the selected progress record
  AC   = sum of transactions dated <= control date
  EAC  = selected forecast EAC, or BAC when no forecast qualifies
  CV   = EV - AC            SV  = EV - PV
  ETC  = EAC - AC           VAC = BAC - EAC
  CPI  = EV / AC            undefined when AC = 0
  SPI  = EV / PV            undefined when PV = 0
  TCPI = (BAC - EV) / (BAC - AC)
         undefined when BAC = AC = 0, overrun when BAC <= AC

ROUNDING:
  Currency values are rounded half-up to 2 decimals first; every index is
  then computed from the rounded currency values and rounded half-up to
  4 decimals. The aggregator and the baseline writer use the very same
  functions, so a snapshot reproduces the live path exactly.

SEE ALSO:
  - progression.go: planned fraction
  - selector.go: as-of record selection
  - aggregate.go: reuses deriveMetrics on summed quantities
*/
package evm

import "github.com/shopspring/decimal"

// CostElementInput is the already-materialized data for one cost element.
// The engine performs no I/O; callers fetch and hand everything in.
type CostElementInput struct {
	CostElement CostElement
	Schedule    *Schedule
	Progress    []ProgressRecord
	Costs       []CostTransaction
	Forecasts   []Forecast
	ControlDate TimePoint
}

// ComputeCostElementMetrics is the live-path calculation for a leaf node.
func ComputeCostElementMetrics(in CostElementInput) MetricSet {
	bac := RoundMoney(in.CostElement.BAC)
	control := in.ControlDate

	pv := PlannedValue(bac, in.Schedule, control)
	ev := EarnedValue(bac, in.Progress, control)
	ac := ActualCost(in.Costs, control)
	eac := EstimateAtCompletion(bac, in.Forecasts, control)

	m := deriveMetrics(pv, ev, ac, bac, eac)
	return m.Tag(LevelCostElement, in.CostElement.ID, control)
}

// PlannedValue returns BAC x planned fraction, rounded to cents.
func PlannedValue(bac decimal.Decimal, schedule *Schedule, control TimePoint) decimal.Decimal {
	if schedule == nil {
		return decimal.Zero
	}
	if schedule.Curve == CurveLinear || schedule.Curve == "" {
		// Exact rational path: BAC x elapsed / total in one rounding step.
		switch {
		case control.Before(schedule.StartDate):
			return decimal.Zero
		case control.AfterOrEqual(schedule.EndDate):
			return RoundMoney(bac)
		}
		elapsed := decimal.NewFromInt(int64(DaysBetween(schedule.StartDate, control)))
		total := decimal.NewFromInt(int64(DaysBetween(schedule.StartDate, schedule.EndDate)))
		return bac.Mul(elapsed).DivRound(total, MoneyScale)
	}
	return RoundMoney(bac.Mul(ScheduleFraction(schedule, control)))
}

// EarnedValue returns BAC x percent complete of the record selected as of
// control, or zero when none qualifies.
func EarnedValue(bac decimal.Decimal, progress []ProgressRecord, control TimePoint) decimal.Decimal {
	rec, ok := SelectAsOf(progress, control)
	if !ok {
		return decimal.Zero
	}
	return bac.Mul(rec.PercentComplete).DivRound(hundred, MoneyScale)
}

// ActualCost sums every transaction dated on or before control.
func ActualCost(costs []CostTransaction, control TimePoint) decimal.Decimal {
	total := decimal.Zero
	for _, c := range costs {
		if c.Date.After(control) {
			continue
		}
		total = total.Add(c.Amount)
	}
	return RoundMoney(total)
}

// EstimateAtCompletion returns the EAC of the forecast selected as of
// control, falling back to BAC.
func EstimateAtCompletion(bac decimal.Decimal, forecasts []Forecast, control TimePoint) decimal.Decimal {
	f, ok := SelectAsOf(forecasts, control)
	if !ok {
		return RoundMoney(bac)
	}
	return RoundMoney(f.EAC)
}

// deriveMetrics applies the index and variance rules to base quantities.
// It is shared by the calculator and the aggregator.
func deriveMetrics(pv, ev, ac, bac, eac decimal.Decimal) MetricSet {
	return MetricSet{
		PV:   pv,
		EV:   ev,
		AC:   ac,
		BAC:  bac,
		EAC:  eac,
		CV:   ev.Sub(ac),
		SV:   ev.Sub(pv),
		ETC:  eac.Sub(ac),
		VAC:  bac.Sub(eac),
		CPI:  ratio(ev, ac),
		SPI:  ratio(ev, pv),
		TCPI: tcpi(bac, ev, ac),
	}
}

// ratio returns num/den, undefined unless den > 0.
func ratio(num, den decimal.Decimal) Index {
	if !den.IsPositive() {
		return Undefined()
	}
	return NewIndex(num.DivRound(den, IndexScale))
}

func tcpi(bac, ev, ac decimal.Decimal) Index {
	if bac.IsZero() && ac.IsZero() {
		return Undefined()
	}
	if bac.LessThanOrEqual(ac) {
		return Overrun()
	}
	return NewIndex(bac.Sub(ev).DivRound(bac.Sub(ac), IndexScale))
}
