package evm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/evm-engine/evm"
)

func base(pv, ev, ac, bac, eac string) evm.MetricSet {
	return evm.MetricSet{PV: dec(pv), EV: dec(ev), AC: dec(ac), BAC: dec(bac), EAC: dec(eac)}
}

func TestAggregate_EmptyWBE(t *testing.T) {
	// GIVEN: A WBE with zero cost elements
	// THEN: Zeros everywhere and every index undefined

	m := evm.Rollup(evm.LevelWBE, "w-empty", day(2025, time.June, 1), nil)

	assert.True(t, m.PV.IsZero())
	assert.True(t, m.EV.IsZero())
	assert.True(t, m.AC.IsZero())
	assert.True(t, m.BAC.IsZero())
	assert.True(t, m.CV.IsZero())
	assert.True(t, m.SV.IsZero())
	assert.True(t, m.CPI.IsUndefined())
	assert.True(t, m.SPI.IsUndefined())
	assert.True(t, m.TCPI.IsUndefined(), "BAC = AC = 0 is undefined, not overrun")
	assert.Equal(t, evm.LevelWBE, m.Level)
	assert.Equal(t, evm.EntityID("w-empty"), m.EntityID)
}

func TestAggregate_IndicesRecomputedNotAveraged(t *testing.T) {
	// GIVEN: CPI 2.0 on a tiny element and CPI 0.5 on a big one
	// THEN: The roll-up CPI is EV sum / AC sum, nowhere near the 1.25 mean

	small := base("10", "20", "10", "10", "10")
	big := base("10000", "5000", "10000", "10000", "10000")

	m := evm.Aggregate([]evm.MetricSet{small, big})

	assertMoney(t, "5020", m.EV, "EV")
	assertMoney(t, "10010", m.AC, "AC")
	assert.Equal(t, "0.5015", m.CPI.String())
	assertMoney(t, "-4990", m.CV, "CV")
}

func TestAggregate_SumsEAC(t *testing.T) {
	m := evm.Aggregate([]evm.MetricSet{
		base("0", "0", "100", "1000", "1200"),
		base("0", "0", "50", "500", "500"),
	})

	assertMoney(t, "1700", m.EAC, "EAC")
	assertMoney(t, "1550", m.ETC, "ETC")
	assertMoney(t, "-200", m.VAC, "VAC")
}

func TestAggregate_Associative(t *testing.T) {
	// GIVEN: Four cost elements split across two WBEs
	// WHEN: Rolling up via WBEs, and straight from the cost elements
	// THEN: Identical project metrics

	ces := []evm.MetricSet{
		base("100.10", "90.05", "95.00", "200", "210"),
		base("0", "0", "12.34", "50", "50"),
		base("333.33", "333.33", "300", "1000", "990"),
		base("7.77", "1.11", "0", "10", "10"),
	}

	viaWBEs := evm.Aggregate([]evm.MetricSet{
		evm.Aggregate(ces[:2]),
		evm.Aggregate(ces[2:]),
	})
	direct := evm.Aggregate(ces)

	assert.True(t, viaWBEs.Equal(direct))
}

func TestAggregate_OverrunAtParent(t *testing.T) {
	m := evm.Aggregate([]evm.MetricSet{
		base("0", "60", "700", "500", "500"),
		base("0", "0", "400", "500", "500"),
	})

	assert.True(t, m.TCPI.IsOverrun(), "AC 1100 >= BAC 1000")
}
