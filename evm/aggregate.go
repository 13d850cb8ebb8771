package evm

import "github.com/shopspring/decimal"

// =============================================================================
// HIERARCHICAL AGGREGATOR
// =============================================================================

// Aggregate sums the additive quantities of children and recomputes every
// derived value from the sums. Indices are never averaged: a WBE with
// CPI 2.0 on 10 of budget and CPI 0.5 on 10,000 of budget is not a 1.25
// performer.
//
// An empty list yields zeros and undefined indices (BAC = AC = 0 makes
// TCPI undefined, not overrun). The result is untagged; see Rollup.
func Aggregate(children []MetricSet) MetricSet {
	var pv, ev, ac, bac, eac decimal.Decimal
	for _, c := range children {
		pv = pv.Add(c.PV)
		ev = ev.Add(c.EV)
		ac = ac.Add(c.AC)
		bac = bac.Add(c.BAC)
		eac = eac.Add(c.EAC)
	}
	return deriveMetrics(pv, ev, ac, bac, eac)
}

// Rollup aggregates children into the metric set of a parent node.
func Rollup(level Level, id EntityID, control TimePoint, children []MetricSet) MetricSet {
	return Aggregate(children).Tag(level, id, control)
}
