/*
Package evm provides the Earned Value Management calculation engine.

PURPOSE:
  This package derives Planned Value, Earned Value, Actual Cost and the
  performance indices for any node of a Project -> WBE -> Cost Element
  hierarchy, as of an explicit control date. The same metric shape is
  served either by a live recomputation or by an immutable baseline
  snapshot captured earlier.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal at scale 2 (round half-up)
  - Index: a three-way value (numeric | undefined | overrun) at scale 4
  - MetricSet: {PV, EV, AC, BAC, CPI, SPI, TCPI, CV, SV} plus EAC/ETC/VAC,
    tagged with the (level, entity, control date) it was computed for
  - Hierarchy records: Project, WBE, CostElement

DESIGN PRINCIPLES:
  1. Precision: every amount is a decimal.Decimal, never a float
  2. Sentinels are values: undefined and overrun are not errors and are
     never coerced to zero
  3. Additivity: only PV, EV, AC, BAC and EAC are summed; every ratio is
     recomputed from sums
  4. Purity: nothing in the calculation path reads the wall clock

USAGE:
  m := evm.ComputeCostElementMetrics(evm.CostElementInput{
      CostElement: ce,
      Schedule:    &schedule,
      Progress:    progress,
      Costs:       costs,
      ControlDate: evm.NewTimePoint(2025, time.July, 2),
  })
  fmt.Println(m.CPI) // "1.0500", "N/A" or "overrun"

SEE ALSO:
  - calculator.go: cost element metrics
  - aggregate.go: hierarchical roll-up
  - baseline.go: immutable snapshots
*/
package evm

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY AND PRECISION
// =============================================================================

const (
	// MoneyScale is the number of decimals kept for currency values.
	MoneyScale int32 = 2
	// IndexScale is the number of decimals kept for ratio values.
	IndexScale int32 = 4
)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds half-up (away from zero) to MoneyScale.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyScale) }

// MustParseDecimal parses s or returns zero. Intended for literals in tests
// and demo data, never for user input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// INDEX - numeric | undefined | overrun
// =============================================================================

// IndexState distinguishes the three possible outcomes of a ratio.
// The zero value is IndexUndefined so an unset Index never reads as 0.
type IndexState uint8

const (
	IndexUndefined IndexState = iota
	IndexNumeric
	IndexOverrun
)

const (
	undefinedText = "N/A"
	overrunText   = "overrun"
)

// Index is the result of a performance ratio (CPI, SPI, TCPI).
type Index struct {
	state IndexState
	value decimal.Decimal
}

// NewIndex returns a numeric index rounded to IndexScale.
func NewIndex(v decimal.Decimal) Index {
	return Index{state: IndexNumeric, value: v.Round(IndexScale)}
}

// Undefined returns the index used when a denominator is zero.
func Undefined() Index { return Index{state: IndexUndefined} }

// Overrun returns the symbolic TCPI value for BAC <= AC.
func Overrun() Index { return Index{state: IndexOverrun} }

func (i Index) State() IndexState { return i.state }
func (i Index) IsNumeric() bool   { return i.state == IndexNumeric }
func (i Index) IsUndefined() bool { return i.state == IndexUndefined }
func (i Index) IsOverrun() bool   { return i.state == IndexOverrun }

// Value returns the numeric value and whether the index is numeric.
// Callers must check ok; there is no numeric fallback for sentinels.
func (i Index) Value() (decimal.Decimal, bool) {
	if i.state != IndexNumeric {
		return decimal.Zero, false
	}
	return i.value, true
}

func (i Index) Equal(o Index) bool {
	if i.state != o.state {
		return false
	}
	return i.state != IndexNumeric || i.value.Equal(o.value)
}

func (i Index) String() string {
	switch i.state {
	case IndexNumeric:
		return i.value.StringFixed(IndexScale)
	case IndexOverrun:
		return overrunText
	default:
		return undefinedText
	}
}

// ParseIndex is the inverse of Index.String.
func ParseIndex(s string) (Index, error) {
	switch strings.TrimSpace(s) {
	case undefinedText, "":
		return Undefined(), nil
	case overrunText:
		return Overrun(), nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Index{}, fmt.Errorf("invalid index %q: %w", s, err)
	}
	return NewIndex(d), nil
}

func (i Index) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Index) UnmarshalText(b []byte) error {
	parsed, err := ParseIndex(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS AND LEVELS
// =============================================================================

// EntityID identifies a project, WBE or cost element. Which one is decided
// by the accompanying Level.
type EntityID string
type BaselineID string

type Level string

const (
	LevelCostElement Level = "cost_element"
	LevelWBE         Level = "wbe"
	LevelProject     Level = "project"
)

func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelCostElement, "cost-element", "costelement":
		return LevelCostElement, nil
	case LevelWBE:
		return LevelWBE, nil
	case LevelProject:
		return LevelProject, nil
	}
	return "", &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", s)}
}

// Source says which read path produced a MetricSet.
type Source string

const (
	SourceLive     Source = "live"
	SourceBaseline Source = "baseline"
)

// =============================================================================
// METRIC SET
// =============================================================================

// MetricSet is the output of the engine for one node at one control date.
type MetricSet struct {
	Level       Level
	EntityID    EntityID
	ControlDate TimePoint

	// Additive base quantities
	PV  decimal.Decimal
	EV  decimal.Decimal
	AC  decimal.Decimal
	BAC decimal.Decimal
	EAC decimal.Decimal

	// Derived from the base quantities, never summed
	CV   decimal.Decimal
	SV   decimal.Decimal
	ETC  decimal.Decimal
	VAC  decimal.Decimal
	CPI  Index
	SPI  Index
	TCPI Index

	Source     Source
	BaselineID BaselineID
}

// Tag returns a copy addressed to the given node and date.
func (m MetricSet) Tag(level Level, id EntityID, control TimePoint) MetricSet {
	m.Level = level
	m.EntityID = id
	m.ControlDate = control
	return m
}

// Equal compares values only; tags and source are ignored.
func (m MetricSet) Equal(o MetricSet) bool {
	return m.PV.Equal(o.PV) &&
		m.EV.Equal(o.EV) &&
		m.AC.Equal(o.AC) &&
		m.BAC.Equal(o.BAC) &&
		m.EAC.Equal(o.EAC) &&
		m.CV.Equal(o.CV) &&
		m.SV.Equal(o.SV) &&
		m.ETC.Equal(o.ETC) &&
		m.VAC.Equal(o.VAC) &&
		m.CPI.Equal(o.CPI) &&
		m.SPI.Equal(o.SPI) &&
		m.TCPI.Equal(o.TCPI)
}

// =============================================================================
// HIERARCHY RECORDS
// =============================================================================

type Project struct {
	ID        EntityID
	Code      string
	Name      string
	Currency  string
	StartDate TimePoint
	EndDate   TimePoint
	CreatedAt time.Time
}

// WBE is a Work Breakdown Element, the grouping between project and cost element.
type WBE struct {
	ID        EntityID
	ProjectID EntityID
	Code      string
	Name      string
	CreatedAt time.Time
}

type CostElement struct {
	ID        EntityID
	WBEID     EntityID
	Code      string
	Name      string
	BAC       decimal.Decimal
	CreatedAt time.Time
}

// ExistsAt reports whether an entity created at createdAt exists from the
// point of view of the control date.
func ExistsAt(createdAt time.Time, control TimePoint) bool {
	return DateOf(createdAt).BeforeOrEqual(control)
}
