/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  - money: string with 2 decimals ("50000.00")
  - indices: "1.0500", "N/A" (undefined) or "overrun"; never a number, so a
    sentinel can't be summed or averaged by accident on the client side
  - dates: YYYY-MM-DD; timestamps: RFC3339

VALIDATION:
  Validation is done by the ledger and the factory, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/project.go: ProjectJSON import format
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/evm-engine/evm"
)

// =============================================================================
// HIERARCHY
// =============================================================================

type ProjectDTO struct {
	ID        string `json:"id"`
	Code      string `json:"code,omitempty"`
	Name      string `json:"name"`
	Currency  string `json:"currency,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreateProjectRequest struct {
	ID        string        `json:"id"`
	Code      string        `json:"code"`
	Name      string        `json:"name"`
	Currency  string        `json:"currency"`
	StartDate evm.TimePoint `json:"start_date"`
	EndDate   evm.TimePoint `json:"end_date"`
}

type WBEDTO struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Code      string `json:"code,omitempty"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type CreateWBERequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type CostElementDTO struct {
	ID        string `json:"id"`
	WBEID     string `json:"wbe_id"`
	Code      string `json:"code,omitempty"`
	Name      string `json:"name"`
	BAC       string `json:"bac"`
	CreatedAt string `json:"created_at"`
}

type CreateCostElementRequest struct {
	ID   string          `json:"id"`
	Code string          `json:"code"`
	Name string          `json:"name"`
	BAC  decimal.Decimal `json:"bac"`
}

// ProjectDetailDTO is a project with its WBEs and cost elements.
type ProjectDetailDTO struct {
	ProjectDTO
	WBEs []WBEDetailDTO `json:"wbes"`
}

type WBEDetailDTO struct {
	WBEDTO
	CostElements []CostElementDTO `json:"cost_elements"`
}

// =============================================================================
// RECORDS
// =============================================================================

type ScheduleDTO struct {
	ID            string `json:"id"`
	CostElementID string `json:"cost_element_id"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Curve         string `json:"curve"`
	CreatedAt     string `json:"created_at"`
}

type SetScheduleRequest struct {
	StartDate evm.TimePoint `json:"start_date"`
	EndDate   evm.TimePoint `json:"end_date"`
	Curve     string        `json:"curve"`
}

type ProgressDTO struct {
	ID              string `json:"id"`
	CostElementID   string `json:"cost_element_id"`
	EffectiveDate   string `json:"effective_date"`
	PercentComplete string `json:"percent_complete"`
	Notes           string `json:"notes,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type ProgressRequest struct {
	EffectiveDate   evm.TimePoint   `json:"effective_date"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
	Notes           string          `json:"notes"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

type CostDTO struct {
	ID            string `json:"id"`
	CostElementID string `json:"cost_element_id"`
	Date          string `json:"date"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type CostRequest struct {
	Date           evm.TimePoint   `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type ForecastDTO struct {
	ID            string `json:"id"`
	CostElementID string `json:"cost_element_id"`
	EffectiveDate string `json:"effective_date"`
	EAC           string `json:"eac"`
	Notes         string `json:"notes,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type ForecastRequest struct {
	EffectiveDate  evm.TimePoint   `json:"effective_date"`
	EAC            decimal.Decimal `json:"eac"`
	Notes          string          `json:"notes"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// =============================================================================
// METRICS
// =============================================================================

type MetricSetDTO struct {
	Level       string `json:"level"`
	EntityID    string `json:"entity_id"`
	ControlDate string `json:"control_date"`
	Source      string `json:"source"`
	BaselineID  string `json:"baseline_id,omitempty"`

	PV  string `json:"pv"`
	EV  string `json:"ev"`
	AC  string `json:"ac"`
	BAC string `json:"bac"`
	EAC string `json:"eac"`
	CV  string `json:"cv"`
	SV  string `json:"sv"`
	ETC string `json:"etc"`
	VAC string `json:"vac"`

	CPI  string `json:"cpi"`
	SPI  string `json:"spi"`
	TCPI string `json:"tcpi"`
}

// MetricTreeDTO is a project roll-up with every level underneath.
type MetricTreeDTO struct {
	Project MetricSetDTO    `json:"project"`
	WBEs    []WBEMetricsDTO `json:"wbes"`
}

type WBEMetricsDTO struct {
	Metrics      MetricSetDTO   `json:"metrics"`
	CostElements []MetricSetDTO `json:"cost_elements"`
}

type VarianceDTO struct {
	Baseline MetricSetDTO `json:"baseline"`
	Current  MetricSetDTO `json:"current"`
	DeltaPV  string       `json:"delta_pv"`
	DeltaEV  string       `json:"delta_ev"`
	DeltaAC  string       `json:"delta_ac"`
	DeltaEAC string       `json:"delta_eac"`
}

// =============================================================================
// BASELINES
// =============================================================================

type BaselineDTO struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	BaselineDate string  `json:"baseline_date"`
	Status       string  `json:"status"`
	State        string  `json:"state,omitempty"`
	CreatedAt    string  `json:"created_at"`
	CancelledAt  *string `json:"cancelled_at,omitempty"`
	Rows         int     `json:"rows,omitempty"`
}

type CreateBaselineRequest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	BaselineDate evm.TimePoint `json:"baseline_date"`
}

type BaselinePlanDTO struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	BaselineDate string `json:"baseline_date"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error,omitempty"`
}

type CreateBaselinePlanRequest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	BaselineDate evm.TimePoint `json:"baseline_date"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ControlDate string `json:"control_date"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toProjectDTO(p evm.Project) ProjectDTO {
	return ProjectDTO{
		ID:        string(p.ID),
		Code:      p.Code,
		Name:      p.Name,
		Currency:  p.Currency,
		StartDate: p.StartDate.String(),
		EndDate:   p.EndDate.String(),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func toWBEDTO(w evm.WBE) WBEDTO {
	return WBEDTO{
		ID:        string(w.ID),
		ProjectID: string(w.ProjectID),
		Code:      w.Code,
		Name:      w.Name,
		CreatedAt: w.CreatedAt.Format(time.RFC3339),
	}
}

func toCostElementDTO(ce evm.CostElement) CostElementDTO {
	return CostElementDTO{
		ID:        string(ce.ID),
		WBEID:     string(ce.WBEID),
		Code:      ce.Code,
		Name:      ce.Name,
		BAC:       money(ce.BAC),
		CreatedAt: ce.CreatedAt.Format(time.RFC3339),
	}
}

func toScheduleDTO(s evm.Schedule) ScheduleDTO {
	return ScheduleDTO{
		ID:            s.ID,
		CostElementID: string(s.CostElementID),
		StartDate:     s.StartDate.String(),
		EndDate:       s.EndDate.String(),
		Curve:         string(s.Curve),
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
}

func toProgressDTO(p evm.ProgressRecord) ProgressDTO {
	return ProgressDTO{
		ID:              p.ID,
		CostElementID:   string(p.CostElementID),
		EffectiveDate:   p.EffectiveDate.String(),
		PercentComplete: p.PercentComplete.String(),
		Notes:           p.Notes,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
}

func toCostDTO(c evm.CostTransaction) CostDTO {
	return CostDTO{
		ID:            c.ID,
		CostElementID: string(c.CostElementID),
		Date:          c.Date.String(),
		Amount:        money(c.Amount),
		Reference:     c.Reference,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
	}
}

func toForecastDTO(f evm.Forecast) ForecastDTO {
	return ForecastDTO{
		ID:            f.ID,
		CostElementID: string(f.CostElementID),
		EffectiveDate: f.EffectiveDate.String(),
		EAC:           money(f.EAC),
		Notes:         f.Notes,
		CreatedAt:     f.CreatedAt.Format(time.RFC3339),
	}
}

// ToMetricSetDTO is the wire form of a metric set. Indices render as
// "1.2345", "N/A" or "overrun".
func ToMetricSetDTO(m evm.MetricSet) MetricSetDTO {
	return MetricSetDTO{
		Level:       string(m.Level),
		EntityID:    string(m.EntityID),
		ControlDate: m.ControlDate.String(),
		Source:      string(m.Source),
		BaselineID:  string(m.BaselineID),
		PV:          money(m.PV),
		EV:          money(m.EV),
		AC:          money(m.AC),
		BAC:         money(m.BAC),
		EAC:         money(m.EAC),
		CV:          money(m.CV),
		SV:          money(m.SV),
		ETC:         money(m.ETC),
		VAC:         money(m.VAC),
		CPI:         m.CPI.String(),
		SPI:         m.SPI.String(),
		TCPI:        m.TCPI.String(),
	}
}

func toMetricTreeDTO(t *evm.ProjectTree) MetricTreeDTO {
	out := MetricTreeDTO{Project: ToMetricSetDTO(t.Metrics), WBEs: []WBEMetricsDTO{}}
	for _, w := range t.WBEs {
		wd := WBEMetricsDTO{Metrics: ToMetricSetDTO(w.Metrics), CostElements: []MetricSetDTO{}}
		for _, ce := range w.CostElements {
			wd.CostElements = append(wd.CostElements, ToMetricSetDTO(ce))
		}
		out.WBEs = append(out.WBEs, wd)
	}
	return out
}

func toVarianceDTO(v *evm.Variance) VarianceDTO {
	return VarianceDTO{
		Baseline: ToMetricSetDTO(v.Baseline),
		Current:  ToMetricSetDTO(v.Current),
		DeltaPV:  money(v.DeltaPV),
		DeltaEV:  money(v.DeltaEV),
		DeltaAC:  money(v.DeltaAC),
		DeltaEAC: money(v.DeltaEAC),
	}
}

func toBaselineDTO(b evm.Baseline) BaselineDTO {
	dto := BaselineDTO{
		ID:           string(b.ID),
		ProjectID:    string(b.ProjectID),
		Name:         b.Name,
		Description:  b.Description,
		BaselineDate: b.BaselineDate.String(),
		Status:       string(b.Status),
		CreatedAt:    b.CreatedAt.Format(time.RFC3339),
	}
	if b.CancelledAt != nil {
		s := b.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &s
	}
	return dto
}

func toBaselinePlanDTO(p evm.BaselinePlan) BaselinePlanDTO {
	return BaselinePlanDTO{
		ID:           string(p.ID),
		ProjectID:    string(p.ProjectID),
		Name:         p.Name,
		Description:  p.Description,
		BaselineDate: p.BaselineDate.String(),
		Status:       string(p.Status),
		Attempts:     p.Attempts,
		LastError:    p.LastError,
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(evm.MoneyScale)
}
