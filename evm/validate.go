package evm

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BOUNDARY VALIDATION
// =============================================================================
// The calculation path assumes validated inputs and never re-checks them.
// Everything that writes records (ledger, factory, handlers) calls these.

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	return nil
}

func ValidateProject(p Project) error {
	if err := required("name", p.Name); err != nil {
		return err
	}
	if !p.StartDate.IsZero() && !p.EndDate.IsZero() && p.EndDate.Before(p.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "end date before start date"}
	}
	return nil
}

func ValidateWBE(w WBE) error {
	if err := required("project_id", string(w.ProjectID)); err != nil {
		return err
	}
	return required("name", w.Name)
}

func ValidateCostElement(ce CostElement) error {
	if err := required("wbe_id", string(ce.WBEID)); err != nil {
		return err
	}
	if err := required("name", ce.Name); err != nil {
		return err
	}
	return nonNegative("bac", ce.BAC)
}

func ValidateSchedule(s Schedule) error {
	if err := required("cost_element_id", string(s.CostElementID)); err != nil {
		return err
	}
	if s.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "required"}
	}
	if s.EndDate.IsZero() {
		return &ValidationError{Field: "end_date", Reason: "required"}
	}
	if s.EndDate.Before(s.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "end date before start date"}
	}
	if _, err := ParseCurveShape(string(s.Curve)); err != nil {
		return err
	}
	return nil
}

func ValidateProgress(p ProgressRecord) error {
	if err := required("cost_element_id", string(p.CostElementID)); err != nil {
		return err
	}
	if p.EffectiveDate.IsZero() {
		return &ValidationError{Field: "effective_date", Reason: "required"}
	}
	if p.PercentComplete.IsNegative() || p.PercentComplete.GreaterThan(hundred) {
		return &ValidationError{
			Field:  "percent_complete",
			Reason: fmt.Sprintf("%s outside [0, 100]", p.PercentComplete),
		}
	}
	return nil
}

func ValidateCostTransaction(c CostTransaction) error {
	if err := required("cost_element_id", string(c.CostElementID)); err != nil {
		return err
	}
	if c.Date.IsZero() {
		return &ValidationError{Field: "date", Reason: "required"}
	}
	return nonNegative("amount", c.Amount)
}

func ValidateForecast(f Forecast) error {
	if err := required("cost_element_id", string(f.CostElementID)); err != nil {
		return err
	}
	if f.EffectiveDate.IsZero() {
		return &ValidationError{Field: "effective_date", Reason: "required"}
	}
	return nonNegative("eac", f.EAC)
}

func nonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be >= 0, got %s", d)}
	}
	return nil
}
