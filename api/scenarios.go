/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built projects that populate the database with data that
	demonstrates one engine behavior each. Every scenario is a project
	document in the same JSON format as POST /api/projects/import, plus the
	control date at which the behavior shows.

AVAILABLE SCENARIOS:

	linear-midyear:       Linear schedule half way through the year, with a
	                      baseline captured at the end of Q2
	cpi-undefined:        Work earned but nothing spent: CPI is N/A
	tcpi-overrun:         Budget fully spent, work unfinished: TCPI overrun
	empty-wbe:            WBE without cost elements next to a funded one
	progress-regression:  Later progress record reports less, and wins
	late-cost-element:    Cost element created after the control date

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse the scenario document via the project factory
 3. Import it in one transaction
 4. Optionally capture baselines
 5. Drop memoized live metrics

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "tcpi-overrun"}

	GET /api/projects/scn-tcpi/metrics?control_date=2025-06-01

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, control date
 2. Write the project document as a constant
 3. Add it to scenarioDocuments

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ImportProject uses the same document format
  - factory/project.go: ProjectJSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "linear-midyear",
		Name:        "Linear Mid-Year",
		Description: "BAC 100,000 on a linear 2025 schedule, 45% complete, baseline at 2025-06-30",
		ControlDate: "2025-07-02",
	},
	{
		ID:          "cpi-undefined",
		Name:        "CPI Undefined",
		Description: "EV 500 with no actual cost: CPI and TCPI denominators are zero",
		ControlDate: "2025-04-01",
	},
	{
		ID:          "tcpi-overrun",
		Name:        "TCPI Overrun",
		Description: "BAC 1,000 fully spent at 60% complete",
		ControlDate: "2025-06-01",
	},
	{
		ID:          "empty-wbe",
		Name:        "Empty WBE",
		Description: "A WBE with no cost elements aggregates to zeros and N/A indices",
		ControlDate: "2025-06-01",
	},
	{
		ID:          "progress-regression",
		Name:        "Progress Regression",
		Description: "80% on Jan 1 corrected to 60% on Jan 5: the later record wins",
		ControlDate: "2025-01-10",
	},
	{
		ID:          "late-cost-element",
		Name:        "Late Cost Element",
		Description: "Cost element created 2025-09-01 is absent from metrics as of 2025-08-01",
		ControlDate: "2025-08-01",
	},
}

// scenarioBaselines are captured right after the import.
var scenarioBaselines = map[string][]evm.CreateBaselineInput{
	"linear-midyear": {
		{
			ID:           "bl-linear-q2",
			ProjectID:    "scn-linear",
			Name:         "Q2 close",
			BaselineDate: evm.NewTimePoint(2025, 6, 30),
		},
	},
}

var scenarioDocuments = map[string]string{
	"linear-midyear":      linearMidyearJSON,
	"cpi-undefined":       cpiUndefinedJSON,
	"tcpi-overrun":        tcpiOverrunJSON,
	"empty-wbe":           emptyWBEJSON,
	"progress-regression": progressRegressionJSON,
	"late-cost-element":   lateCostElementJSON,
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	if _, ok := scenarioDocuments[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LOADING
// =============================================================================

type resetter interface {
	Reset(ctx context.Context) error
}

// LoadScenarioByID resets the store and imports one scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	doc, ok := scenarioDocuments[id]
	if !ok {
		return &evm.ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", id)}
	}

	if err := h.reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	bundle, err := h.Factory.ParseProject(doc)
	if err != nil {
		return fmt.Errorf("parse %s: %w", id, err)
	}
	if err := factory.Import(ctx, h.Store, bundle); err != nil {
		return fmt.Errorf("import %s: %w", id, err)
	}
	h.Live.Invalidate()

	for _, in := range scenarioBaselines[id] {
		if _, err := h.Writer.Write(ctx, in); err != nil {
			return fmt.Errorf("baseline %s: %w", in.ID, err)
		}
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Store)
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.Live.Invalidate()

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// SCENARIO DOCUMENTS
// =============================================================================

const linearMidyearJSON = `{
  "id": "scn-linear",
  "code": "LIN",
  "name": "Plant retrofit 2025",
  "currency": "EUR",
  "start_date": "2025-01-01",
  "end_date": "2025-12-31",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [{
    "id": "scn-linear-civil",
    "code": "1.0",
    "name": "Civil works",
    "created_at": "2024-12-01T09:00:00Z",
    "cost_elements": [{
      "id": "scn-linear-labour",
      "code": "1.1",
      "name": "Labour",
      "bac": "100000",
      "created_at": "2024-12-01T09:00:00Z",
      "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31", "curve": "linear"},
      "progress": [
        {"effective_date": "2025-03-31", "percent_complete": "20"},
        {"effective_date": "2025-06-30", "percent_complete": "45"}
      ],
      "costs": [
        {"date": "2025-03-31", "amount": "20000", "reference": "INV-101"},
        {"date": "2025-06-30", "amount": "28000", "reference": "INV-144"}
      ],
      "forecasts": [
        {"effective_date": "2025-06-30", "eac": "105000", "notes": "rework on foundations"}
      ]
    }]
  }]
}`

const cpiUndefinedJSON = `{
  "id": "scn-cpi",
  "name": "Volunteer survey",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [{
    "id": "scn-cpi-field",
    "name": "Field work",
    "created_at": "2024-12-01T09:00:00Z",
    "cost_elements": [{
      "id": "scn-cpi-survey",
      "name": "Survey",
      "bac": "1000",
      "created_at": "2024-12-01T09:00:00Z",
      "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31"},
      "progress": [{"effective_date": "2025-03-01", "percent_complete": "50"}]
    }]
  }]
}`

const tcpiOverrunJSON = `{
  "id": "scn-tcpi",
  "name": "Server room cabling",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [{
    "id": "scn-tcpi-install",
    "name": "Installation",
    "created_at": "2024-12-01T09:00:00Z",
    "cost_elements": [{
      "id": "scn-tcpi-cabling",
      "name": "Cabling",
      "bac": "1000",
      "created_at": "2024-12-01T09:00:00Z",
      "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31"},
      "progress": [{"effective_date": "2025-05-01", "percent_complete": "60"}],
      "costs": [{"date": "2025-05-01", "amount": "1000"}]
    }]
  }]
}`

const emptyWBEJSON = `{
  "id": "scn-empty",
  "name": "Warehouse extension",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [
    {
      "id": "scn-empty-design",
      "code": "1.0",
      "name": "Design",
      "created_at": "2024-12-01T09:00:00Z",
      "cost_elements": [{
        "id": "scn-empty-drawings",
        "name": "Drawings",
        "bac": "12000",
        "created_at": "2024-12-01T09:00:00Z",
        "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31", "curve": "gaussian"},
        "progress": [{"effective_date": "2025-05-15", "percent_complete": "30"}],
        "costs": [{"date": "2025-05-15", "amount": "4100"}]
      }]
    },
    {
      "id": "scn-empty-commissioning",
      "code": "2.0",
      "name": "Commissioning",
      "created_at": "2024-12-01T09:00:00Z"
    }
  ]
}`

const progressRegressionJSON = `{
  "id": "scn-regress",
  "name": "Pipeline inspection",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [{
    "id": "scn-regress-inspect",
    "name": "Inspection",
    "created_at": "2024-12-01T09:00:00Z",
    "cost_elements": [{
      "id": "scn-regress-welds",
      "name": "Weld checks",
      "bac": "5000",
      "created_at": "2024-12-01T09:00:00Z",
      "schedule": {"start_date": "2025-01-01", "end_date": "2025-01-31", "curve": "logarithmic"},
      "progress": [
        {"effective_date": "2025-01-01", "percent_complete": "80"},
        {"effective_date": "2025-01-05", "percent_complete": "60", "notes": "failed welds re-opened"}
      ],
      "costs": [{"date": "2025-01-05", "amount": "2500"}]
    }]
  }]
}`

const lateCostElementJSON = `{
  "id": "scn-late",
  "name": "Office fit-out",
  "created_at": "2024-12-01T09:00:00Z",
  "wbes": [{
    "id": "scn-late-interior",
    "name": "Interior",
    "created_at": "2024-12-01T09:00:00Z",
    "cost_elements": [
      {
        "id": "scn-late-flooring",
        "name": "Flooring",
        "bac": "20000",
        "created_at": "2024-12-01T09:00:00Z",
        "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31"},
        "progress": [{"effective_date": "2025-07-31", "percent_complete": "55"}],
        "costs": [{"date": "2025-07-31", "amount": "11000"}]
      },
      {
        "id": "scn-late-furniture",
        "name": "Furniture",
        "bac": "8000",
        "created_at": "2025-09-01T10:00:00Z",
        "schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31"},
        "costs": [{"date": "2025-06-01", "amount": "3000", "reference": "back-dated deposit"}]
      }
    ]
  }]
}`
