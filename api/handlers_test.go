/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Hierarchy and record endpoints
- Metric wire format (money strings, "N/A", "overrun")
- Error status mapping (400, 404, 409)
- Baseline capture, conflict, cancellation and comparison
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, Options{Logger: zaptest.NewLogger(t), Parallelism: 4, Cache: true})
	h.Today = func() evm.TimePoint { return evm.NewTimePoint(2025, 7, 2) }
	return h
}

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	h := setupTestHandler(t)
	return &testServer{t: t, h: h, router: NewRouter(h, nil)}
}

// do sends body (marshalled unless already a string) and decodes the
// response into out when out is non-nil.
func (s *testServer) do(method, path string, body any, out any) int {
	s.t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

// seedLinear builds the linear mid-year project through the API.
func (s *testServer) seedLinear() {
	s.t.Helper()
	require.Equal(s.t, http.StatusCreated, s.do("POST", "/api/projects/import", linearMidyearJSON, nil))
}

// =============================================================================
// HIERARCHY
// =============================================================================

func TestHandlers_CreateHierarchyAndRecords(t *testing.T) {
	// GIVEN: An empty store
	// WHEN: Building a project one call at a time
	// THEN: Each call returns 201 and the metrics reflect the records

	s := newTestServer(t)

	var p ProjectDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/projects", map[string]any{"id": "p-1", "name": "Retrofit"}, &p))
	assert.Equal(t, "p-1", p.ID)

	require.Equal(t, http.StatusCreated, s.do("POST", "/api/projects/p-1/wbes", map[string]any{"id": "w-1", "name": "Civil"}, nil))

	var ce CostElementDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/wbes/w-1/cost-elements", map[string]any{"id": "ce-1", "name": "Labour", "bac": "100000"}, &ce))
	assert.Equal(t, "100000.00", ce.BAC)

	require.Equal(t, http.StatusOK, s.do("PUT", "/api/cost-elements/ce-1/schedule", map[string]any{"start_date": "2025-01-01", "end_date": "2025-12-31", "curve": "linear"}, nil))
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/cost-elements/ce-1/progress", map[string]any{"effective_date": "2025-06-30", "percent_complete": "45"}, nil))
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/cost-elements/ce-1/costs", map[string]any{"date": "2025-06-30", "amount": "48000"}, nil))

	var m MetricSetDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/cost-elements/ce-1/metrics?control_date=2025-07-02", nil, &m))
	assert.Equal(t, "50000.00", m.PV)
	assert.Equal(t, "45000.00", m.EV)
	assert.Equal(t, "48000.00", m.AC)
	assert.Equal(t, "0.9375", m.CPI)
	assert.Equal(t, "0.9000", m.SPI)
	assert.Equal(t, "live", m.Source)

	var detail ProjectDetailDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/p-1", nil, &detail))
	require.Len(t, detail.WBEs, 1)
	assert.Len(t, detail.WBEs[0].CostElements, 1)

	var records struct {
		Schedules []ScheduleDTO `json:"schedules"`
		Progress  []ProgressDTO `json:"progress"`
		Costs     []CostDTO     `json:"costs"`
	}
	require.Equal(t, http.StatusOK, s.do("GET", "/api/cost-elements/ce-1/records", nil, &records))
	assert.Len(t, records.Schedules, 1)
	assert.Len(t, records.Progress, 1)
	assert.Len(t, records.Costs, 1)
}

func TestHandlers_CachedMetricsSeeNewRecords(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	var before, after MetricSetDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/metrics", nil, &before))
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/cost-elements/scn-linear-labour/costs", map[string]any{"date": "2025-07-01", "amount": "2000"}, nil))
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/metrics", nil, &after))

	assert.Equal(t, "48000.00", before.AC)
	assert.Equal(t, "50000.00", after.AC)
	assert.Equal(t, "2025-07-02", after.ControlDate, "defaults to today")
}

func TestHandlers_Tree(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	var tree MetricTreeDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/tree?control_date=2025-07-02", nil, &tree))
	assert.Equal(t, "project", tree.Project.Level)
	require.Len(t, tree.WBEs, 1)
	require.Len(t, tree.WBEs[0].CostElements, 1)
	assert.Equal(t, tree.Project.EV, tree.WBEs[0].CostElements[0].EV)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestHandlers_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"percent above 100", "POST", "/api/cost-elements/scn-linear-labour/progress", map[string]any{"effective_date": "2025-07-01", "percent_complete": "120"}, http.StatusBadRequest, "invalid_input"},
		{"negative cost", "POST", "/api/cost-elements/scn-linear-labour/costs", map[string]any{"date": "2025-07-01", "amount": "-1"}, http.StatusBadRequest, "invalid_input"},
		{"schedule reversed", "PUT", "/api/cost-elements/scn-linear-labour/schedule", map[string]any{"start_date": "2025-12-31", "end_date": "2025-01-01"}, http.StatusBadRequest, "invalid_input"},
		{"bad control date", "GET", "/api/projects/scn-linear/metrics?control_date=July", nil, http.StatusBadRequest, "invalid_input"},
		{"unknown project", "GET", "/api/projects/nope/metrics", nil, http.StatusNotFound, "not_found"},
		{"unknown wbe", "GET", "/api/wbes/nope/metrics", nil, http.StatusNotFound, "not_found"},
		{"unknown cost element", "POST", "/api/cost-elements/nope/costs", map[string]any{"date": "2025-07-01", "amount": "1"}, http.StatusNotFound, "not_found"},
		{"unknown baseline", "GET", "/api/baselines/nope", nil, http.StatusNotFound, "not_found"},
		{"wbe under unknown project", "POST", "/api/projects/nope/wbes", map[string]any{"name": "x"}, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			assert.Equal(t, tt.status, s.do(tt.method, tt.path, tt.body, &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestHandlers_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	var resp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/projects", "{", &resp))
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/projects/import", `{"name": `, &resp))
}

func TestHandlers_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	body := map[string]any{"date": "2025-07-01", "amount": "10", "idempotency_key": "inv-9"}
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/cost-elements/scn-linear-labour/costs", body, nil))

	var resp ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do("POST", "/api/cost-elements/scn-linear-labour/costs", body, &resp))
	assert.Equal(t, "conflict", resp.Code)
}

// =============================================================================
// BASELINES
// =============================================================================

func TestHandlers_BaselineLifecycle(t *testing.T) {
	// GIVEN: The linear project
	// WHEN: Capturing, re-capturing, reading, cancelling
	// THEN: 201, then 409 committed, reads served from the snapshot until cancelled

	s := newTestServer(t)
	s.seedLinear()

	body := map[string]any{"id": "bl-q2", "name": "Q2 close", "baseline_date": "2025-06-30"}

	var created BaselineDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/projects/scn-linear/baselines", body, &created))
	assert.Equal(t, "committed", created.State)
	assert.Equal(t, 3, created.Rows)
	assert.Equal(t, "active", created.Status)

	var conflict ErrorResponse
	require.Equal(t, http.StatusConflict, s.do("POST", "/api/projects/scn-linear/baselines", body, &conflict))
	assert.Equal(t, "baseline_committed", conflict.Code)

	var m MetricSetDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/metrics?control_date=2025-06-30", nil, &m))
	assert.Equal(t, "baseline", m.Source)
	assert.Equal(t, "bl-q2", m.BaselineID)

	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/metrics?control_date=2025-06-30&source=live", nil, &m))
	assert.Equal(t, "live", m.Source)

	var stored MetricSetDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/baselines/bl-q2/metrics?level=cost_element&entity_id=scn-linear-labour", nil, &stored))
	assert.Equal(t, "45000.00", stored.EV)

	var missing ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("GET", "/api/baselines/bl-q2/metrics?level=wbe", nil, &missing))

	var list []BaselineDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/baselines", nil, &list))
	assert.Len(t, list, 1)

	var cancelled BaselineDTO
	require.Equal(t, http.StatusOK, s.do("POST", "/api/baselines/bl-q2/cancel", nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)

	require.Equal(t, http.StatusConflict, s.do("POST", "/api/baselines/bl-q2/cancel", nil, &conflict))

	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/metrics?control_date=2025-06-30", nil, &m))
	assert.Equal(t, "live", m.Source, "cancelled baselines are not served")

	var header BaselineDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/baselines/bl-q2", nil, &header))
	assert.Equal(t, "cancelled", header.Status)
	assert.Equal(t, 3, header.Rows)
}

func TestHandlers_BaselineValidation(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	var resp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do("POST", "/api/projects/scn-linear/baselines", map[string]any{"name": "no date"}, &resp))
	assert.Equal(t, http.StatusNotFound, s.do("POST", "/api/projects/nope/baselines", map[string]any{"baseline_date": "2025-06-30"}, &resp))
}

func TestHandlers_CompareBaseline(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/projects/scn-linear/baselines", map[string]any{"id": "bl-q2", "baseline_date": "2025-06-30"}, nil))
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/cost-elements/scn-linear-labour/progress", map[string]any{"effective_date": "2025-07-31", "percent_complete": "55"}, nil))

	var v VarianceDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/baselines/bl-q2/compare?control_date=2025-07-31", nil, &v))
	assert.Equal(t, "baseline", v.Baseline.Source)
	assert.Equal(t, "live", v.Current.Source)
	assert.Equal(t, "10000.00", v.DeltaEV)
	assert.Equal(t, "0.00", v.DeltaAC)
}

func TestHandlers_BaselinePlans(t *testing.T) {
	s := newTestServer(t)
	s.seedLinear()

	var plan BaselinePlanDTO
	require.Equal(t, http.StatusCreated, s.do("POST", "/api/projects/scn-linear/baseline-plans", map[string]any{"id": "plan-q3", "baseline_date": "2025-09-30"}, &plan))
	assert.Equal(t, "pending", plan.Status)
	assert.Equal(t, "Baseline 2025-09-30", plan.Name)

	assert.Equal(t, http.StatusConflict, s.do("POST", "/api/projects/scn-linear/baseline-plans", map[string]any{"id": "plan-q3", "baseline_date": "2025-09-30"}, nil))
	assert.Equal(t, http.StatusNotFound, s.do("POST", "/api/projects/nope/baseline-plans", map[string]any{"baseline_date": "2025-09-30"}, nil))

	var plans []BaselinePlanDTO
	require.Equal(t, http.StatusOK, s.do("GET", "/api/projects/scn-linear/baseline-plans", nil, &plans))
	assert.Len(t, plans, 1)
}

func TestHandlers_Healthz(t *testing.T) {
	s := newTestServer(t)

	var resp map[string]string
	require.Equal(t, http.StatusOK, s.do("GET", "/healthz", nil, &resp))
	assert.Equal(t, "ok", resp["status"])
}
