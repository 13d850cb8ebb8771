package evm

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE - planned completion over time for one cost element
// =============================================================================

type CurveShape string

const (
	CurveLinear      CurveShape = "linear"
	CurveGaussian    CurveShape = "gaussian"    // bell-shaped, slow-fast-slow
	CurveLogarithmic CurveShape = "logarithmic" // fast early, slow late
)

func ParseCurveShape(s string) (CurveShape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return CurveLinear, nil
	case "gaussian", "bell", "bell-shaped", "s-curve":
		return CurveGaussian, nil
	case "logarithmic", "log":
		return CurveLogarithmic, nil
	}
	return "", &ValidationError{Field: "curve", Reason: fmt.Sprintf("unknown curve shape %q", s)}
}

// Schedule rows are append-only versions. The active schedule of a cost
// element is the most recently registered one; older versions are never
// edited, so a schedule used by a baseline cannot change underneath it.
type Schedule struct {
	ID            string
	CostElementID EntityID
	StartDate     TimePoint
	EndDate       TimePoint
	Curve         CurveShape
	CreatedAt     time.Time
}

// =============================================================================
// TIME-STAMPED RECORDS
// =============================================================================

// ProgressRecord states physical completion as of EffectiveDate. Records are
// a time series, not cumulative: the latest one as of the control date wins
// even when it reports less than an earlier one.
type ProgressRecord struct {
	ID              string
	CostElementID   EntityID
	EffectiveDate   TimePoint
	PercentComplete decimal.Decimal // [0, 100]
	Notes           string
	IdempotencyKey  string
	CreatedAt       time.Time
}

// CostTransaction is an incurred actual cost.
type CostTransaction struct {
	ID             string
	CostElementID  EntityID
	Date           TimePoint
	Amount         decimal.Decimal // >= 0
	Reference      string          // invoice / ERP document number
	IdempotencyKey string
	CreatedAt      time.Time
}

// Forecast is an Estimate At Completion statement for a cost element.
type Forecast struct {
	ID             string
	CostElementID  EntityID
	EffectiveDate  TimePoint
	EAC            decimal.Decimal
	Notes          string
	IdempotencyKey string
	CreatedAt      time.Time
}

func (p ProgressRecord) Effective() TimePoint { return p.EffectiveDate }
func (p ProgressRecord) Created() time.Time   { return p.CreatedAt }
func (p ProgressRecord) RecordID() string     { return p.ID }

func (f Forecast) Effective() TimePoint { return f.EffectiveDate }
func (f Forecast) Created() time.Time   { return f.CreatedAt }
func (f Forecast) RecordID() string     { return f.ID }
