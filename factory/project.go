/*
Package factory provides JSON to Go project conversion.

PURPOSE:
  Converts a JSON project document (hierarchy plus schedules, progress,
  costs and forecasts) into a validated evm.ProjectBundle, and imports a
  bundle into a store in one transaction.

JSON SCHEMA:
  {
    "id": "prj-plant",
    "code": "PLANT",
    "name": "Bottling Plant",
    "currency": "EUR",
    "start_date": "2025-01-01",
    "end_date": "2025-12-31",
    "wbes": [
      {
        "id": "wbe-civil",
        "name": "Civil works",
        "cost_elements": [
          {
            "id": "ce-foundations",
            "name": "Foundations",
            "bac": "100000.00",
            "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31", "curve": "linear"},
            "progress": [{"effective_date": "2025-06-30", "percent_complete": "50"}],
            "costs": [{"date": "2025-06-15", "amount": "45000", "reference": "INV-1"}],
            "forecasts": [{"effective_date": "2025-06-30", "eac": "98000"}]
          }
        ]
      }
    ]
  }

KEY FEATURES:
  - Every invalid-input rule is checked here, before anything is written
  - Missing ids are generated; missing created_at default to the factory clock
  - Records without created_at keep document order as registration order

USAGE:
  f := factory.NewProjectFactory()
  bundle, err := f.ParseProject(jsonString)
  if err != nil { ... }
  err = factory.Import(ctx, store, bundle)

SEE ALSO:
  - evm/validate.go: the boundary rules
  - api/scenarios.go: demo projects built through this factory
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/evm-engine/evm"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProjectJSON is the JSON representation of a project and everything under it.
type ProjectJSON struct {
	ID        string        `json:"id,omitempty"`
	Code      string        `json:"code,omitempty"`
	Name      string        `json:"name"`
	Currency  string        `json:"currency,omitempty"`
	StartDate evm.TimePoint `json:"start_date,omitempty"`
	EndDate   evm.TimePoint `json:"end_date,omitempty"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
	WBEs      []WBEJSON     `json:"wbes,omitempty"`
}

type WBEJSON struct {
	ID           string            `json:"id,omitempty"`
	Code         string            `json:"code,omitempty"`
	Name         string            `json:"name"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	CostElements []CostElementJSON `json:"cost_elements,omitempty"`
}

type CostElementJSON struct {
	ID        string          `json:"id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Name      string          `json:"name"`
	BAC       decimal.Decimal `json:"bac"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Schedule  *ScheduleJSON   `json:"schedule,omitempty"`
	Progress  []ProgressJSON  `json:"progress,omitempty"`
	Costs     []CostJSON      `json:"costs,omitempty"`
	Forecasts []ForecastJSON  `json:"forecasts,omitempty"`
}

type ScheduleJSON struct {
	StartDate evm.TimePoint `json:"start_date"`
	EndDate   evm.TimePoint `json:"end_date"`
	Curve     string        `json:"curve,omitempty"` // linear, gaussian, logarithmic
}

type ProgressJSON struct {
	EffectiveDate   evm.TimePoint   `json:"effective_date"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
	Notes           string          `json:"notes,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       *time.Time      `json:"created_at,omitempty"`
}

type CostJSON struct {
	Date           evm.TimePoint   `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
}

type ForecastJSON struct {
	EffectiveDate  evm.TimePoint   `json:"effective_date"`
	EAC            decimal.Decimal `json:"eac"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
}

// =============================================================================
// BUNDLE
// =============================================================================

// ProjectBundle is a validated project ready to be written.
type ProjectBundle struct {
	Project      evm.Project
	WBEs         []evm.WBE
	CostElements []evm.CostElement
	Schedules    []evm.Schedule
	Progress     []evm.ProgressRecord
	Costs        []evm.CostTransaction
	Forecasts    []evm.Forecast
}

// =============================================================================
// PROJECT FACTORY
// =============================================================================

// ProjectFactory converts JSON projects to validated bundles.
type ProjectFactory struct {
	Now func() time.Time
}

// NewProjectFactory creates a new project factory.
func NewProjectFactory() *ProjectFactory {
	return &ProjectFactory{Now: time.Now}
}

// ParseProject parses a JSON string into a ProjectBundle.
func (f *ProjectFactory) ParseProject(jsonStr string) (*ProjectBundle, error) {
	var pj ProjectJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, &evm.ValidationError{Field: "body", Reason: fmt.Sprintf("failed to parse project JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and converts it to a ProjectBundle.
func (f *ProjectFactory) FromJSON(pj ProjectJSON) (*ProjectBundle, error) {
	c := &clock{base: f.now()}

	b := &ProjectBundle{
		Project: evm.Project{
			ID:        evm.EntityID(idOr(pj.ID)),
			Code:      pj.Code,
			Name:      pj.Name,
			Currency:  pj.Currency,
			StartDate: pj.StartDate,
			EndDate:   pj.EndDate,
			CreatedAt: c.or(pj.CreatedAt),
		},
	}
	if err := evm.ValidateProject(b.Project); err != nil {
		return nil, err
	}

	seen := map[string]bool{string(b.Project.ID): true}
	for wi, wj := range pj.WBEs {
		w := evm.WBE{
			ID:        evm.EntityID(idOr(wj.ID)),
			ProjectID: b.Project.ID,
			Code:      wj.Code,
			Name:      wj.Name,
			CreatedAt: c.or(wj.CreatedAt),
		}
		if err := evm.ValidateWBE(w); err != nil {
			return nil, at(fmt.Sprintf("wbes[%d]", wi), err)
		}
		if err := unique(seen, string(w.ID)); err != nil {
			return nil, at(fmt.Sprintf("wbes[%d]", wi), err)
		}
		b.WBEs = append(b.WBEs, w)

		for ci, cj := range wj.CostElements {
			path := fmt.Sprintf("wbes[%d].cost_elements[%d]", wi, ci)
			if err := f.addCostElement(b, c, seen, w.ID, cj); err != nil {
				return nil, at(path, err)
			}
		}
	}
	return b, nil
}

func (f *ProjectFactory) addCostElement(b *ProjectBundle, c *clock, seen map[string]bool, wbeID evm.EntityID, cj CostElementJSON) error {
	ce := evm.CostElement{
		ID:        evm.EntityID(idOr(cj.ID)),
		WBEID:     wbeID,
		Code:      cj.Code,
		Name:      cj.Name,
		BAC:       evm.RoundMoney(cj.BAC),
		CreatedAt: c.or(cj.CreatedAt),
	}
	if err := evm.ValidateCostElement(ce); err != nil {
		return err
	}
	if err := unique(seen, string(ce.ID)); err != nil {
		return err
	}
	b.CostElements = append(b.CostElements, ce)

	if sj := cj.Schedule; sj != nil {
		curve, err := evm.ParseCurveShape(sj.Curve)
		if err != nil {
			return err
		}
		s := evm.Schedule{
			ID:            uuid.NewString(),
			CostElementID: ce.ID,
			StartDate:     sj.StartDate,
			EndDate:       sj.EndDate,
			Curve:         curve,
			CreatedAt:     c.next(),
		}
		if err := evm.ValidateSchedule(s); err != nil {
			return err
		}
		b.Schedules = append(b.Schedules, s)
	}

	for i, pj := range cj.Progress {
		p := evm.ProgressRecord{
			ID:              uuid.NewString(),
			CostElementID:   ce.ID,
			EffectiveDate:   pj.EffectiveDate,
			PercentComplete: pj.PercentComplete,
			Notes:           pj.Notes,
			IdempotencyKey:  pj.IdempotencyKey,
			CreatedAt:       c.or(pj.CreatedAt),
		}
		if err := evm.ValidateProgress(p); err != nil {
			return at(fmt.Sprintf("progress[%d]", i), err)
		}
		b.Progress = append(b.Progress, p)
	}

	for i, tj := range cj.Costs {
		t := evm.CostTransaction{
			ID:             uuid.NewString(),
			CostElementID:  ce.ID,
			Date:           tj.Date,
			Amount:         evm.RoundMoney(tj.Amount),
			Reference:      tj.Reference,
			IdempotencyKey: tj.IdempotencyKey,
			CreatedAt:      c.or(tj.CreatedAt),
		}
		if err := evm.ValidateCostTransaction(t); err != nil {
			return at(fmt.Sprintf("costs[%d]", i), err)
		}
		b.Costs = append(b.Costs, t)
	}

	for i, fj := range cj.Forecasts {
		fc := evm.Forecast{
			ID:             uuid.NewString(),
			CostElementID:  ce.ID,
			EffectiveDate:  fj.EffectiveDate,
			EAC:            evm.RoundMoney(fj.EAC),
			Notes:          fj.Notes,
			IdempotencyKey: fj.IdempotencyKey,
			CreatedAt:      c.or(fj.CreatedAt),
		}
		if err := evm.ValidateForecast(fc); err != nil {
			return at(fmt.Sprintf("forecasts[%d]", i), err)
		}
		b.Forecasts = append(b.Forecasts, fc)
	}
	return nil
}

func (f *ProjectFactory) now() time.Time {
	if f.Now == nil {
		return time.Now().UTC()
	}
	return f.Now().UTC()
}

// =============================================================================
// IMPORT
// =============================================================================

// Import writes a bundle in one transaction: all of it or none of it.
func Import(ctx context.Context, store evm.TxWriter, b *ProjectBundle) error {
	return store.WithTx(ctx, func(w evm.Writer) error {
		if err := w.SaveProject(ctx, b.Project); err != nil {
			return err
		}
		for _, x := range b.WBEs {
			if err := w.SaveWBE(ctx, x); err != nil {
				return err
			}
		}
		for _, x := range b.CostElements {
			if err := w.SaveCostElement(ctx, x); err != nil {
				return err
			}
		}
		for _, x := range b.Schedules {
			if err := w.AppendSchedule(ctx, x); err != nil {
				return err
			}
		}
		for _, x := range b.Progress {
			if err := w.AppendProgress(ctx, x); err != nil {
				return err
			}
		}
		for _, x := range b.Costs {
			if err := w.AppendCostTransaction(ctx, x); err != nil {
				return err
			}
		}
		for _, x := range b.Forecasts {
			if err := w.AppendForecast(ctx, x); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// clock hands out strictly increasing creation times so that records
// without an explicit created_at keep document order.
type clock struct {
	base time.Time
	seq  int
}

func (c *clock) next() time.Time {
	c.seq++
	return c.base.Add(time.Duration(c.seq) * time.Microsecond)
}

func (c *clock) or(t *time.Time) time.Time {
	if t != nil && !t.IsZero() {
		return t.UTC()
	}
	return c.next()
}

func idOr(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func unique(seen map[string]bool, id string) error {
	if seen[id] {
		return &evm.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate id %q", id)}
	}
	seen[id] = true
	return nil
}

// at prefixes the field of a validation error with its document path.
func at(path string, err error) error {
	if ve, ok := err.(*evm.ValidationError); ok {
		return &evm.ValidationError{Field: path + "." + ve.Field, Reason: ve.Reason}
	}
	return err
}
