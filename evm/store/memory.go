// Package store provides in-process evm.Repository implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/evm-engine/evm"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements evm.Repository. WithTx is simulated with a snapshot and
// a restore on error.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type metricKey struct {
	Level    evm.Level
	EntityID evm.EntityID
}

type state struct {
	projects     map[evm.EntityID]evm.Project
	wbes         map[evm.EntityID]evm.WBE
	costElements map[evm.EntityID]evm.CostElement

	schedules map[evm.EntityID][]evm.Schedule // by CreatedAt
	progress  map[evm.EntityID][]evm.ProgressRecord
	costs     map[evm.EntityID][]evm.CostTransaction
	forecasts map[evm.EntityID][]evm.Forecast

	idempotency map[string]bool

	baselines       map[evm.BaselineID]evm.Baseline
	baselineMetrics map[evm.BaselineID]map[metricKey]evm.MetricSet
	plans           map[evm.BaselineID]evm.BaselinePlan
}

func newState() *state {
	return &state{
		projects:        make(map[evm.EntityID]evm.Project),
		wbes:            make(map[evm.EntityID]evm.WBE),
		costElements:    make(map[evm.EntityID]evm.CostElement),
		schedules:       make(map[evm.EntityID][]evm.Schedule),
		progress:        make(map[evm.EntityID][]evm.ProgressRecord),
		costs:           make(map[evm.EntityID][]evm.CostTransaction),
		forecasts:       make(map[evm.EntityID][]evm.Forecast),
		idempotency:     make(map[string]bool),
		baselines:       make(map[evm.BaselineID]evm.Baseline),
		baselineMetrics: make(map[evm.BaselineID]map[metricKey]evm.MetricSet),
		plans:           make(map[evm.BaselineID]evm.BaselinePlan),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

var _ evm.Repository = (*Memory)(nil)

// =============================================================================
// HIERARCHY
// =============================================================================

func (m *Memory) GetProject(_ context.Context, id evm.EntityID) (*evm.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.s.projects[id]
	if !ok {
		return nil, evm.ErrProjectNotFound
	}
	return &p, nil
}

func (m *Memory) GetWBE(_ context.Context, id evm.EntityID) (*evm.WBE, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.s.wbes[id]
	if !ok {
		return nil, evm.ErrWBENotFound
	}
	return &w, nil
}

func (m *Memory) GetCostElement(_ context.Context, id evm.EntityID) (*evm.CostElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ce, ok := m.s.costElements[id]
	if !ok {
		return nil, evm.ErrCostElementNotFound
	}
	return &ce, nil
}

func (m *Memory) ListProjects(_ context.Context) ([]evm.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]evm.Project, 0, len(m.s.projects))
	for _, p := range m.s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return byCode(out[i].Code, out[i].ID, out[j].Code, out[j].ID) })
	return out, nil
}

func (m *Memory) ListWBEs(_ context.Context, projectID evm.EntityID) ([]evm.WBE, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []evm.WBE
	for _, w := range m.s.wbes {
		if w.ProjectID == projectID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCode(out[i].Code, out[i].ID, out[j].Code, out[j].ID) })
	return out, nil
}

func (m *Memory) ListCostElements(_ context.Context, wbeID evm.EntityID) ([]evm.CostElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []evm.CostElement
	for _, ce := range m.s.costElements {
		if ce.WBEID == wbeID {
			out = append(out, ce)
		}
	}
	sort.Slice(out, func(i, j int) bool { return byCode(out[i].Code, out[i].ID, out[j].Code, out[j].ID) })
	return out, nil
}

func byCode(ci string, ii evm.EntityID, cj string, ij evm.EntityID) bool {
	if ci != cj {
		return ci < cj
	}
	return ii < ij
}

// =============================================================================
// RECORDS (read)
// =============================================================================

func (m *Memory) ActiveSchedule(_ context.Context, ceID evm.EntityID) (*evm.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.s.schedules[ceID]
	if len(versions) == 0 {
		return nil, nil
	}
	s := versions[len(versions)-1]
	return &s, nil
}

func (m *Memory) ListSchedules(_ context.Context, ceID evm.EntityID) ([]evm.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]evm.Schedule(nil), m.s.schedules[ceID]...), nil
}

func (m *Memory) ListProgress(_ context.Context, ceID evm.EntityID) ([]evm.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]evm.ProgressRecord(nil), m.s.progress[ceID]...), nil
}

func (m *Memory) ListCostTransactions(_ context.Context, ceID evm.EntityID) ([]evm.CostTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]evm.CostTransaction(nil), m.s.costs[ceID]...), nil
}

func (m *Memory) ListForecasts(_ context.Context, ceID evm.EntityID) ([]evm.Forecast, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]evm.Forecast(nil), m.s.forecasts[ceID]...), nil
}

// =============================================================================
// WRITER
// =============================================================================

func (m *Memory) SaveProject(_ context.Context, p evm.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.saveProject(p)
}

func (m *Memory) SaveWBE(_ context.Context, w evm.WBE) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.saveWBE(w)
}

func (m *Memory) SaveCostElement(_ context.Context, ce evm.CostElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.saveCostElement(ce)
}

func (m *Memory) AppendSchedule(_ context.Context, s evm.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendSchedule(s)
}

func (m *Memory) AppendProgress(_ context.Context, p evm.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendProgress(p)
}

func (m *Memory) AppendCostTransaction(_ context.Context, c evm.CostTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendCost(c)
}

func (m *Memory) AppendForecast(_ context.Context, f evm.Forecast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.appendForecast(f)
}

func (m *Memory) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.idempotency[key], nil
}

func (s *state) saveProject(p evm.Project) error {
	s.projects[p.ID] = p
	return nil
}

func (s *state) saveWBE(w evm.WBE) error {
	if _, ok := s.projects[w.ProjectID]; !ok {
		return evm.ErrProjectNotFound
	}
	s.wbes[w.ID] = w
	return nil
}

func (s *state) saveCostElement(ce evm.CostElement) error {
	if _, ok := s.wbes[ce.WBEID]; !ok {
		return evm.ErrWBENotFound
	}
	s.costElements[ce.ID] = ce
	return nil
}

func (s *state) appendSchedule(sc evm.Schedule) error {
	versions := s.schedules[sc.CostElementID]
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].CreatedAt.After(sc.CreatedAt)
	})
	s.schedules[sc.CostElementID] = insertAt(versions, i, sc)
	return nil
}

func (s *state) appendProgress(p evm.ProgressRecord) error {
	if err := s.claimKey(p.IdempotencyKey); err != nil {
		return err
	}
	recs := s.progress[p.CostElementID]
	// Binary search for insertion point keeps the series ordered by effective date
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].EffectiveDate.After(p.EffectiveDate)
	})
	s.progress[p.CostElementID] = insertAt(recs, i, p)
	return nil
}

func (s *state) appendCost(c evm.CostTransaction) error {
	if err := s.claimKey(c.IdempotencyKey); err != nil {
		return err
	}
	recs := s.costs[c.CostElementID]
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].Date.After(c.Date)
	})
	s.costs[c.CostElementID] = insertAt(recs, i, c)
	return nil
}

func (s *state) appendForecast(f evm.Forecast) error {
	if err := s.claimKey(f.IdempotencyKey); err != nil {
		return err
	}
	recs := s.forecasts[f.CostElementID]
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].EffectiveDate.After(f.EffectiveDate)
	})
	s.forecasts[f.CostElementID] = insertAt(recs, i, f)
	return nil
}

func (s *state) claimKey(key string) error {
	if key == "" {
		return nil
	}
	if s.idempotency[key] {
		return evm.ErrDuplicateIdempotencyKey
	}
	s.idempotency[key] = true
	return nil
}

func insertAt[T any](xs []T, i int, x T) []T {
	var zero T
	xs = append(xs, zero)
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

// =============================================================================
// BASELINES
// =============================================================================

func (m *Memory) CreateBaseline(_ context.Context, snap evm.BaselineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := snap.Baseline.ID
	if _, ok := m.s.baselines[id]; ok {
		return evm.ErrBaselineExists
	}

	// Build the rows aside first so a rejected snapshot writes nothing.
	rows := make(map[metricKey]evm.MetricSet, len(snap.Metrics))
	for _, ms := range snap.Metrics {
		k := metricKey{Level: ms.Level, EntityID: ms.EntityID}
		if _, dup := rows[k]; dup {
			return &evm.ValidationError{Field: "metrics", Reason: "duplicate row for " + string(ms.Level) + " " + string(ms.EntityID)}
		}
		rows[k] = ms
	}

	m.s.baselines[id] = snap.Baseline
	m.s.baselineMetrics[id] = rows
	return nil
}

func (m *Memory) GetBaseline(_ context.Context, id evm.BaselineID) (*evm.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.s.baselines[id]
	if !ok {
		return nil, evm.ErrBaselineNotFound
	}
	return &b, nil
}

func (m *Memory) ListBaselines(_ context.Context, projectID evm.EntityID) ([]evm.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []evm.Baseline
	for _, b := range m.s.baselines {
		if b.ProjectID == projectID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetBaselineMetrics(_ context.Context, id evm.BaselineID, level evm.Level, entityID evm.EntityID) (*evm.MetricSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.s.baselineMetrics[id]
	if !ok {
		return nil, evm.ErrBaselineNotFound
	}
	ms, ok := rows[metricKey{Level: level, EntityID: entityID}]
	if !ok {
		return nil, evm.ErrBaselineMetricsNotFound
	}
	return &ms, nil
}

func (m *Memory) ListBaselineMetrics(_ context.Context, id evm.BaselineID) ([]evm.MetricSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.s.baselineMetrics[id]
	if !ok {
		return nil, evm.ErrBaselineNotFound
	}
	out := make([]evm.MetricSet, 0, len(rows))
	for _, ms := range rows {
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool {
		if levelRank(out[i].Level) != levelRank(out[j].Level) {
			return levelRank(out[i].Level) < levelRank(out[j].Level)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func levelRank(l evm.Level) int {
	switch l {
	case evm.LevelCostElement:
		return 0
	case evm.LevelWBE:
		return 1
	default:
		return 2
	}
}

func (m *Memory) CancelBaseline(_ context.Context, id evm.BaselineID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.s.baselines[id]
	if !ok {
		return evm.ErrBaselineNotFound
	}
	if b.Status == evm.BaselineCancelled {
		return evm.ErrBaselineCancelled
	}
	b.Status = evm.BaselineCancelled
	b.CancelledAt = &at
	m.s.baselines[id] = b
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

func (m *Memory) SaveBaselinePlan(_ context.Context, plan evm.BaselinePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.plans[plan.ID] = plan
	return nil
}

func (m *Memory) GetBaselinePlan(_ context.Context, id evm.BaselineID) (*evm.BaselinePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.s.plans[id]
	if !ok {
		return nil, evm.ErrPlanNotFound
	}
	return &p, nil
}

func (m *Memory) ListBaselinePlans(_ context.Context, projectID evm.EntityID) ([]evm.BaselinePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []evm.BaselinePlan
	for _, p := range m.s.plans {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sortPlans(out)
	return out, nil
}

func (m *Memory) ListDuePlans(_ context.Context, asOf evm.TimePoint) ([]evm.BaselinePlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []evm.BaselinePlan
	for _, p := range m.s.plans {
		if p.Status == evm.PlanCaptured || p.BaselineDate.After(asOf) {
			continue
		}
		out = append(out, p)
	}
	sortPlans(out)
	return out, nil
}

func sortPlans(ps []evm.BaselinePlan) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].BaselineDate.Equal(ps[j].BaselineDate) {
			return ps[i].BaselineDate.Before(ps[j].BaselineDate)
		}
		return ps[i].ID < ps[j].ID
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(evm.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.s.clone()
	if err := fn(&txView{s: m.s}); err != nil {
		m.s = saved
		return err
	}
	return nil
}

// Reset drops everything.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = newState()
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.wbes {
		c.wbes[k] = v
	}
	for k, v := range s.costElements {
		c.costElements[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = append([]evm.Schedule(nil), v...)
	}
	for k, v := range s.progress {
		c.progress[k] = append([]evm.ProgressRecord(nil), v...)
	}
	for k, v := range s.costs {
		c.costs[k] = append([]evm.CostTransaction(nil), v...)
	}
	for k, v := range s.forecasts {
		c.forecasts[k] = append([]evm.Forecast(nil), v...)
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.baselines {
		c.baselines[k] = v
	}
	for k, v := range s.baselineMetrics {
		rows := make(map[metricKey]evm.MetricSet, len(v))
		for rk, rv := range v {
			rows[rk] = rv
		}
		c.baselineMetrics[k] = rows
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	return c
}

// txView writes straight into the locked state; WithTx holds the lock.
type txView struct {
	s *state
}

func (tv *txView) SaveProject(_ context.Context, p evm.Project) error { return tv.s.saveProject(p) }
func (tv *txView) SaveWBE(_ context.Context, w evm.WBE) error         { return tv.s.saveWBE(w) }
func (tv *txView) SaveCostElement(_ context.Context, ce evm.CostElement) error {
	return tv.s.saveCostElement(ce)
}
func (tv *txView) AppendSchedule(_ context.Context, sc evm.Schedule) error {
	return tv.s.appendSchedule(sc)
}
func (tv *txView) AppendProgress(_ context.Context, p evm.ProgressRecord) error {
	return tv.s.appendProgress(p)
}
func (tv *txView) AppendCostTransaction(_ context.Context, c evm.CostTransaction) error {
	return tv.s.appendCost(c)
}
func (tv *txView) AppendForecast(_ context.Context, f evm.Forecast) error {
	return tv.s.appendForecast(f)
}
func (tv *txView) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	return tv.s.idempotency[key], nil
}
