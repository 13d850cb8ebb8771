package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// MetricsReader is the single read surface for metric sets. Live and
// baseline-backed implementations return the same shape.
type MetricsReader interface {
	Metrics(ctx context.Context, level Level, id EntityID, control TimePoint) (MetricSet, error)
}

// =============================================================================
// LIVE READER - deduplicated, optionally memoized
// =============================================================================

// LiveReader collapses concurrent identical requests into one computation.
// With Cache set it also memoizes results until Invalidate is called; the
// record ledger invalidates on every append.
//
// Every Invalidate starts a new generation. A computation is shared and
// memoized only within the generation it started in, so a result read
// before a write never outlives that write.
type LiveReader struct {
	Engine *LiveEngine
	Cache  bool

	group singleflight.Group

	mu   sync.RWMutex
	gen  uint64
	memo map[string]MetricSet
}

func NewLiveReader(engine *LiveEngine, cache bool) *LiveReader {
	return &LiveReader{Engine: engine, Cache: cache, memo: make(map[string]MetricSet)}
}

func (r *LiveReader) Metrics(ctx context.Context, level Level, id EntityID, control TimePoint) (MetricSet, error) {
	key := metricsKey(level, id, control)

	r.mu.RLock()
	gen := r.gen
	m, ok := r.memo[key]
	r.mu.RUnlock()
	if r.Cache && ok {
		return m, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%d|%s", gen, key), func() (interface{}, error) {
		return r.Engine.Metrics(ctx, level, id, control)
	})
	if err != nil {
		return MetricSet{}, err
	}
	m = v.(MetricSet)

	if r.Cache {
		r.mu.Lock()
		if r.gen == gen {
			r.memo[key] = m
		}
		r.mu.Unlock()
	}
	return m, nil
}

// Invalidate drops every memoized result and detaches in-flight
// computations from later callers.
func (r *LiveReader) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.memo = make(map[string]MetricSet)
	r.mu.Unlock()
}

func metricsKey(level Level, id EntityID, control TimePoint) string {
	return fmt.Sprintf("%s|%s|%s", level, id, control)
}

// =============================================================================
// RESOLVER - baseline when one matches the control date, live otherwise
// =============================================================================

// Resolver serves a stored snapshot when an active baseline of the entity's
// project was taken exactly at the control date, and the live path
// otherwise. Cancelled baselines are never picked automatically.
type Resolver struct {
	Hierarchy HierarchyReader
	Baselines BaselineStore
	Live      MetricsReader
}

func NewResolver(hierarchy HierarchyReader, baselines BaselineStore, live MetricsReader) *Resolver {
	return &Resolver{Hierarchy: hierarchy, Baselines: baselines, Live: live}
}

func (r *Resolver) Metrics(ctx context.Context, level Level, id EntityID, control TimePoint) (MetricSet, error) {
	projectID, err := r.projectOf(ctx, level, id)
	if err != nil {
		return MetricSet{}, err
	}

	b, err := r.matchingBaseline(ctx, projectID, control)
	if err != nil {
		return MetricSet{}, err
	}
	if b != nil {
		m, err := r.Baselines.GetBaselineMetrics(ctx, b.ID, level, id)
		switch {
		case err == nil:
			return m.withSource(SourceBaseline, b.ID), nil
		case !errors.Is(err, ErrBaselineMetricsNotFound):
			return MetricSet{}, err
		}
		// Entity created after the baseline date: nothing stored, compute live.
	}
	return r.Live.Metrics(ctx, level, id, control)
}

// Variance puts a stored baseline row next to the live metrics of the same
// node at a control date.
type Variance struct {
	Baseline MetricSet
	Current  MetricSet
	DeltaPV  decimal.Decimal
	DeltaEV  decimal.Decimal
	DeltaAC  decimal.Decimal
	DeltaEAC decimal.Decimal
}

// Compare reads the baseline row and the live metrics; deltas are
// current minus baseline.
func (r *Resolver) Compare(ctx context.Context, baselineID BaselineID, level Level, id EntityID, control TimePoint) (*Variance, error) {
	reader := BaselineReader{Baselines: r.Baselines}
	base, err := reader.ReadBaselineMetrics(ctx, baselineID, level, id)
	if err != nil {
		return nil, err
	}
	cur, err := r.Live.Metrics(ctx, level, id, control)
	if err != nil {
		return nil, err
	}
	return &Variance{
		Baseline: base,
		Current:  cur,
		DeltaPV:  cur.PV.Sub(base.PV),
		DeltaEV:  cur.EV.Sub(base.EV),
		DeltaAC:  cur.AC.Sub(base.AC),
		DeltaEAC: cur.EAC.Sub(base.EAC),
	}, nil
}

func (r *Resolver) projectOf(ctx context.Context, level Level, id EntityID) (EntityID, error) {
	switch level {
	case LevelProject:
		p, err := r.Hierarchy.GetProject(ctx, id)
		if err != nil {
			return "", err
		}
		return p.ID, nil
	case LevelWBE:
		w, err := r.Hierarchy.GetWBE(ctx, id)
		if err != nil {
			return "", err
		}
		return w.ProjectID, nil
	case LevelCostElement:
		ce, err := r.Hierarchy.GetCostElement(ctx, id)
		if err != nil {
			return "", err
		}
		w, err := r.Hierarchy.GetWBE(ctx, ce.WBEID)
		if err != nil {
			return "", err
		}
		return w.ProjectID, nil
	}
	return "", &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", level)}
}

// matchingBaseline returns the most recently created active baseline dated
// at control, or nil.
func (r *Resolver) matchingBaseline(ctx context.Context, projectID EntityID, control TimePoint) (*Baseline, error) {
	all, err := r.Baselines.ListBaselines(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing baselines of %s: %w", projectID, err)
	}
	var best *Baseline
	for i := range all {
		b := all[i]
		if !b.IsActive() || !b.BaselineDate.Equal(control) {
			continue
		}
		if best == nil || b.CreatedAt.After(best.CreatedAt) {
			best = &b
		}
	}
	return best, nil
}
