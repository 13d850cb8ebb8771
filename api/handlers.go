/*
handlers.go - HTTP API handlers for the EVM engine

PURPOSE:
  Exposes the EVM engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates to the ledger, the metrics resolver and
  the baseline writer.

ENDPOINTS:
  Hierarchy:
    GET    /api/projects                      List projects
    POST   /api/projects                      Create project
    POST   /api/projects/import               Import a full project document
    GET    /api/projects/{id}                 Project with WBEs and cost elements
    POST   /api/projects/{id}/wbes            Create WBE
    POST   /api/wbes/{id}/cost-elements       Create cost element

  Records (append-only):
    PUT    /api/cost-elements/{id}/schedule   Register a new schedule version
    POST   /api/cost-elements/{id}/progress   Append progress record
    POST   /api/cost-elements/{id}/costs      Append actual cost
    POST   /api/cost-elements/{id}/forecasts  Append EAC forecast
    GET    /api/cost-elements/{id}/records    Everything recorded so far

  Metrics (?control_date=YYYY-MM-DD, default today; ?source=live skips baselines):
    GET    /api/projects/{id}/metrics
    GET    /api/projects/{id}/tree            All three levels at once
    GET    /api/wbes/{id}/metrics
    GET    /api/cost-elements/{id}/metrics

  Baselines:
    POST   /api/projects/{id}/baselines       Capture now
    GET    /api/projects/{id}/baselines
    POST   /api/projects/{id}/baseline-plans  Capture when the date arrives
    GET    /api/projects/{id}/baseline-plans
    GET    /api/baselines/{id}
    POST   /api/baselines/{id}/cancel
    GET    /api/baselines/{id}/metrics?level=&entity_id=
    GET    /api/baselines/{id}/compare?level=&entity_id=&control_date=

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Baseline already committed or being written, duplicate idempotency key
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    evm.Repository
	Ledger   *evm.RecordLedger
	Engine   *evm.LiveEngine
	Live     *evm.LiveReader
	Resolver *evm.Resolver
	Writer   *evm.BaselineWriter
	Factory  *factory.ProjectFactory
	Logger   *zap.Logger

	// Today supplies the default control date.
	Today func() evm.TimePoint

	mu              sync.Mutex
	currentScenario string
}

// Options tunes the engine behind the handlers.
type Options struct {
	Logger      *zap.Logger
	Parallelism int
	Cache       bool
}

// NewHandler wires the engine components around store.
func NewHandler(store evm.Repository, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := evm.NewLiveEngine(store)
	if opts.Parallelism > 0 {
		engine.Parallelism = opts.Parallelism
	}
	live := evm.NewLiveReader(engine, opts.Cache)

	ledger := evm.NewRecordLedger(store)
	ledger.OnAppend = live.Invalidate

	return &Handler{
		Store:    store,
		Ledger:   ledger,
		Engine:   engine,
		Live:     live,
		Resolver: evm.NewResolver(store, store, live),
		Writer:   evm.NewBaselineWriter(engine, store, logger),
		Factory:  factory.NewProjectFactory(),
		Logger:   logger,
		Today:    evm.Today,
	}
}

// =============================================================================
// HIERARCHY HANDLERS
// =============================================================================

// ListProjects returns all projects.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list projects", err)
		return
	}

	dtos := make([]ProjectDTO, len(projects))
	for i, p := range projects {
		dtos[i] = toProjectDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProject creates an empty project.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Ledger.CreateProject(r.Context(), evm.Project{
		ID:        evm.EntityID(req.ID),
		Code:      req.Code,
		Name:      req.Name,
		Currency:  req.Currency,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	})
	if err != nil {
		writeDomainError(w, "Failed to create project", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectDTO(*p))
}

// GetProject returns a project with its WBEs and cost elements.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.EntityID(chi.URLParam(r, "id"))

	p, err := h.Store.GetProject(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get project", err)
		return
	}
	wbes, err := h.Store.ListWBEs(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list WBEs", err)
		return
	}

	detail := ProjectDetailDTO{ProjectDTO: toProjectDTO(*p), WBEs: []WBEDetailDTO{}}
	for _, wbe := range wbes {
		ces, err := h.Store.ListCostElements(ctx, wbe.ID)
		if err != nil {
			writeDomainError(w, "Failed to list cost elements", err)
			return
		}
		wd := WBEDetailDTO{WBEDTO: toWBEDTO(wbe), CostElements: []CostElementDTO{}}
		for _, ce := range ces {
			wd.CostElements = append(wd.CostElements, toCostElementDTO(ce))
		}
		detail.WBEs = append(detail.WBEs, wd)
	}
	writeJSON(w, http.StatusOK, detail)
}

// ImportProject writes a complete project document in one transaction.
func (h *Handler) ImportProject(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	bundle, err := h.Factory.ParseProject(string(body))
	if err != nil {
		writeDomainError(w, "Invalid project document", err)
		return
	}
	if err := factory.Import(r.Context(), h.Store, bundle); err != nil {
		writeDomainError(w, "Failed to import project", err)
		return
	}
	h.Live.Invalidate()

	h.Logger.Info("project imported",
		zap.String("project_id", string(bundle.Project.ID)),
		zap.Int("wbes", len(bundle.WBEs)),
		zap.Int("cost_elements", len(bundle.CostElements)),
	)
	writeJSON(w, http.StatusCreated, toProjectDTO(bundle.Project))
}

// CreateWBE adds a WBE under a project.
func (h *Handler) CreateWBE(w http.ResponseWriter, r *http.Request) {
	var req CreateWBERequest
	if !decode(w, r, &req) {
		return
	}

	wbe, err := h.Ledger.CreateWBE(r.Context(), evm.WBE{
		ID:        evm.EntityID(req.ID),
		ProjectID: evm.EntityID(chi.URLParam(r, "id")),
		Code:      req.Code,
		Name:      req.Name,
	})
	if err != nil {
		writeDomainError(w, "Failed to create WBE", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWBEDTO(*wbe))
}

// CreateCostElement adds a cost element under a WBE.
func (h *Handler) CreateCostElement(w http.ResponseWriter, r *http.Request) {
	var req CreateCostElementRequest
	if !decode(w, r, &req) {
		return
	}

	ce, err := h.Ledger.CreateCostElement(r.Context(), evm.CostElement{
		ID:    evm.EntityID(req.ID),
		WBEID: evm.EntityID(chi.URLParam(r, "id")),
		Code:  req.Code,
		Name:  req.Name,
		BAC:   req.BAC,
	})
	if err != nil {
		writeDomainError(w, "Failed to create cost element", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCostElementDTO(*ce))
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// SetSchedule registers a new schedule version for a cost element.
func (h *Handler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	var req SetScheduleRequest
	if !decode(w, r, &req) {
		return
	}

	s, err := h.Ledger.SetSchedule(r.Context(), evm.Schedule{
		CostElementID: evm.EntityID(chi.URLParam(r, "id")),
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Curve:         evm.CurveShape(req.Curve),
	})
	if err != nil {
		writeDomainError(w, "Failed to set schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(*s))
}

// AppendProgress records percent complete as of a date.
func (h *Handler) AppendProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Ledger.AppendProgress(r.Context(), evm.ProgressRecord{
		CostElementID:   evm.EntityID(chi.URLParam(r, "id")),
		EffectiveDate:   req.EffectiveDate,
		PercentComplete: req.PercentComplete,
		Notes:           req.Notes,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, "Failed to record progress", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProgressDTO(*p))
}

// AppendCost records an actual cost transaction.
func (h *Handler) AppendCost(w http.ResponseWriter, r *http.Request) {
	var req CostRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.Ledger.AppendCost(r.Context(), evm.CostTransaction{
		CostElementID:  evm.EntityID(chi.URLParam(r, "id")),
		Date:           req.Date,
		Amount:         req.Amount,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, "Failed to record cost", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCostDTO(*c))
}

// AppendForecast records an EAC forecast.
func (h *Handler) AppendForecast(w http.ResponseWriter, r *http.Request) {
	var req ForecastRequest
	if !decode(w, r, &req) {
		return
	}

	f, err := h.Ledger.AppendForecast(r.Context(), evm.Forecast{
		CostElementID:  evm.EntityID(chi.URLParam(r, "id")),
		EffectiveDate:  req.EffectiveDate,
		EAC:            req.EAC,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, "Failed to record forecast", err)
		return
	}
	writeJSON(w, http.StatusCreated, toForecastDTO(*f))
}

// ListRecords returns every record of a cost element.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.EntityID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetCostElement(ctx, id); err != nil {
		writeDomainError(w, "Failed to get cost element", err)
		return
	}

	schedules, err := h.Store.ListSchedules(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list schedules", err)
		return
	}
	progress, err := h.Store.ListProgress(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list progress", err)
		return
	}
	costs, err := h.Store.ListCostTransactions(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list costs", err)
		return
	}
	forecasts, err := h.Store.ListForecasts(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list forecasts", err)
		return
	}

	resp := struct {
		Schedules []ScheduleDTO `json:"schedules"`
		Progress  []ProgressDTO `json:"progress"`
		Costs     []CostDTO     `json:"costs"`
		Forecasts []ForecastDTO `json:"forecasts"`
	}{
		Schedules: make([]ScheduleDTO, 0, len(schedules)),
		Progress:  make([]ProgressDTO, 0, len(progress)),
		Costs:     make([]CostDTO, 0, len(costs)),
		Forecasts: make([]ForecastDTO, 0, len(forecasts)),
	}
	for _, s := range schedules {
		resp.Schedules = append(resp.Schedules, toScheduleDTO(s))
	}
	for _, p := range progress {
		resp.Progress = append(resp.Progress, toProgressDTO(p))
	}
	for _, c := range costs {
		resp.Costs = append(resp.Costs, toCostDTO(c))
	}
	for _, f := range forecasts {
		resp.Forecasts = append(resp.Forecasts, toForecastDTO(f))
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// METRICS HANDLERS
// =============================================================================

// Metrics returns a handler serving the metric set of one node at level.
func (h *Handler) Metrics(level evm.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		control, ok := h.controlDate(w, r)
		if !ok {
			return
		}

		var reader evm.MetricsReader = h.Resolver
		if r.URL.Query().Get("source") == string(evm.SourceLive) {
			reader = h.Live
		}

		m, err := reader.Metrics(r.Context(), level, evm.EntityID(chi.URLParam(r, "id")), control)
		if err != nil {
			writeDomainError(w, "Failed to compute metrics", err)
			return
		}
		writeJSON(w, http.StatusOK, ToMetricSetDTO(m))
	}
}

// ProjectTree returns live metrics of every node of a project.
func (h *Handler) ProjectTree(w http.ResponseWriter, r *http.Request) {
	control, ok := h.controlDate(w, r)
	if !ok {
		return
	}

	tree, err := h.Engine.ProjectTree(r.Context(), evm.EntityID(chi.URLParam(r, "id")), control)
	if err != nil {
		writeDomainError(w, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricTreeDTO(tree))
}

// =============================================================================
// BASELINE HANDLERS
// =============================================================================

// CreateBaseline captures a baseline of a project now.
func (h *Handler) CreateBaseline(w http.ResponseWriter, r *http.Request) {
	var req CreateBaselineRequest
	if !decode(w, r, &req) {
		return
	}

	snap, err := h.Writer.Write(r.Context(), evm.CreateBaselineInput{
		ID:           evm.BaselineID(req.ID),
		ProjectID:    evm.EntityID(chi.URLParam(r, "id")),
		Name:         req.Name,
		Description:  req.Description,
		BaselineDate: req.BaselineDate,
	})
	if err != nil {
		writeDomainError(w, "Failed to create baseline", err)
		return
	}

	dto := toBaselineDTO(snap.Baseline)
	dto.State = string(evm.SnapshotCommitted)
	dto.Rows = len(snap.Metrics)
	writeJSON(w, http.StatusCreated, dto)
}

// ListBaselines returns every baseline of a project, cancelled ones included.
func (h *Handler) ListBaselines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.EntityID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetProject(ctx, id); err != nil {
		writeDomainError(w, "Failed to get project", err)
		return
	}
	bs, err := h.Store.ListBaselines(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list baselines", err)
		return
	}

	dtos := make([]BaselineDTO, len(bs))
	for i, b := range bs {
		dtos[i] = toBaselineDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBaseline returns a baseline header and its write state.
func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.BaselineID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBaseline(ctx, id)
	if err != nil {
		// Not committed yet: report the in-process state when there is one.
		if state, serr := h.Writer.State(ctx, id); serr == nil && state != evm.SnapshotNotCreated {
			writeJSON(w, http.StatusOK, BaselineDTO{ID: string(id), State: string(state)})
			return
		}
		writeDomainError(w, "Failed to get baseline", err)
		return
	}

	rows, err := h.Store.ListBaselineMetrics(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to list baseline metrics", err)
		return
	}

	dto := toBaselineDTO(*b)
	dto.State = string(evm.SnapshotCommitted)
	dto.Rows = len(rows)
	writeJSON(w, http.StatusOK, dto)
}

// CancelBaseline marks a baseline cancelled. Its numbers stay readable.
func (h *Handler) CancelBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.BaselineID(chi.URLParam(r, "id"))

	if err := h.Writer.Cancel(ctx, id); err != nil {
		writeDomainError(w, "Failed to cancel baseline", err)
		return
	}
	b, err := h.Store.GetBaseline(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, toBaselineDTO(*b))
}

// BaselineMetrics returns one stored row; defaults to the project row.
func (h *Handler) BaselineMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.BaselineID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBaseline(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get baseline", err)
		return
	}
	level, entityID, ok := nodeParams(w, r, b.ProjectID)
	if !ok {
		return
	}

	reader := evm.BaselineReader{Baselines: h.Store}
	m, err := reader.ReadBaselineMetrics(ctx, id, level, entityID)
	if err != nil {
		writeDomainError(w, "Failed to read baseline metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, ToMetricSetDTO(m))
}

// CompareBaseline returns a stored row next to live metrics at control_date.
func (h *Handler) CompareBaseline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := evm.BaselineID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBaseline(ctx, id)
	if err != nil {
		writeDomainError(w, "Failed to get baseline", err)
		return
	}
	level, entityID, ok := nodeParams(w, r, b.ProjectID)
	if !ok {
		return
	}
	control, ok := h.controlDate(w, r)
	if !ok {
		return
	}

	v, err := h.Resolver.Compare(ctx, id, level, entityID, control)
	if err != nil {
		writeDomainError(w, "Failed to compare baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, toVarianceDTO(v))
}

// CreateBaselinePlan schedules a capture for a future baseline date.
func (h *Handler) CreateBaselinePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateBaselinePlanRequest
	if !decode(w, r, &req) {
		return
	}

	in := evm.CreateBaselineInput{
		ID:           evm.BaselineID(req.ID),
		ProjectID:    evm.EntityID(chi.URLParam(r, "id")),
		Name:         req.Name,
		BaselineDate: req.BaselineDate,
	}
	if err := in.Validate(); err != nil {
		writeDomainError(w, "Invalid baseline plan", err)
		return
	}
	if _, err := h.Store.GetProject(ctx, in.ProjectID); err != nil {
		writeDomainError(w, "Failed to get project", err)
		return
	}
	if in.ID == "" {
		in.ID = evm.BaselineID(uuid.NewString())
	}
	if _, err := h.Store.GetBaselinePlan(ctx, in.ID); err == nil {
		writeError(w, http.StatusConflict, "Baseline plan already exists", nil)
		return
	}
	if in.Name == "" {
		in.Name = "Baseline " + in.BaselineDate.String()
	}

	now := time.Now().UTC()
	plan := evm.BaselinePlan{
		ID:           in.ID,
		ProjectID:    in.ProjectID,
		Name:         in.Name,
		Description:  req.Description,
		BaselineDate: in.BaselineDate,
		Status:       evm.PlanPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.SaveBaselinePlan(ctx, plan); err != nil {
		writeDomainError(w, "Failed to save baseline plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBaselinePlanDTO(plan))
}

// ListBaselinePlans returns the plans of a project.
func (h *Handler) ListBaselinePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.ListBaselinePlans(r.Context(), evm.EntityID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list baseline plans", err)
		return
	}

	dtos := make([]BaselinePlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toBaselinePlanDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var conflict *evm.BaselineConflictError
	switch {
	case errors.As(err, &conflict):
		resp.Code = "baseline_" + string(conflict.State)
		writeJSON(w, http.StatusConflict, resp)
	case evm.IsClientError(err):
		resp.Code = "invalid_input"
		writeJSON(w, http.StatusBadRequest, resp)
	case evm.IsNotFound(err):
		resp.Code = "not_found"
		writeJSON(w, http.StatusNotFound, resp)
	case evm.IsConflict(err):
		resp.Code = "conflict"
		writeJSON(w, http.StatusConflict, resp)
	default:
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// controlDate reads ?control_date, defaulting to today.
func (h *Handler) controlDate(w http.ResponseWriter, r *http.Request) (evm.TimePoint, bool) {
	raw := r.URL.Query().Get("control_date")
	if raw == "" {
		return h.Today(), true
	}
	d, err := evm.ParseDate(raw)
	if err != nil {
		writeDomainError(w, "Invalid control_date", err)
		return evm.TimePoint{}, false
	}
	return d, true
}

// nodeParams reads ?level and ?entity_id, defaulting to the project node.
func nodeParams(w http.ResponseWriter, r *http.Request, projectID evm.EntityID) (evm.Level, evm.EntityID, bool) {
	q := r.URL.Query()
	if q.Get("level") == "" && q.Get("entity_id") == "" {
		return evm.LevelProject, projectID, true
	}
	level, err := evm.ParseLevel(q.Get("level"))
	if err != nil {
		writeDomainError(w, "Invalid level", err)
		return "", "", false
	}
	entityID := evm.EntityID(q.Get("entity_id"))
	if entityID == "" {
		if level != evm.LevelProject {
			writeError(w, http.StatusBadRequest, "entity_id is required", nil)
			return "", "", false
		}
		entityID = projectID
	}
	return level, entityID, true
}
