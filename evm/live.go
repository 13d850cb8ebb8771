package evm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// LIVE PATH - materialize inputs, run the pure engine, roll up
// =============================================================================

const defaultParallelism = 4

// LiveEngine recomputes metrics from the current records. Every entity
// created after the control date is filtered out before aggregation; it
// does not exist yet from that date's point of view.
type LiveEngine struct {
	Store Store

	// Parallelism bounds concurrent WBE roll-ups in a project tree.
	Parallelism int
}

func NewLiveEngine(store Store) *LiveEngine {
	return &LiveEngine{Store: store, Parallelism: defaultParallelism}
}

// WBETree holds a WBE roll-up and the cost elements it was built from.
type WBETree struct {
	Metrics      MetricSet
	CostElements []MetricSet
}

// ProjectTree holds every metric set of a project at one control date.
type ProjectTree struct {
	Metrics MetricSet
	WBEs    []WBETree
}

// Flatten lists cost elements, then WBEs, then the project.
func (t *ProjectTree) Flatten() []MetricSet {
	var out []MetricSet
	for _, w := range t.WBEs {
		out = append(out, w.CostElements...)
	}
	for _, w := range t.WBEs {
		out = append(out, w.Metrics)
	}
	return append(out, t.Metrics)
}

// Metrics dispatches on level. LiveEngine satisfies MetricsReader.
func (e *LiveEngine) Metrics(ctx context.Context, level Level, id EntityID, control TimePoint) (MetricSet, error) {
	switch level {
	case LevelCostElement:
		return e.CostElementMetrics(ctx, id, control)
	case LevelWBE:
		return e.WBEMetrics(ctx, id, control)
	case LevelProject:
		return e.ProjectMetrics(ctx, id, control)
	}
	return MetricSet{}, &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", level)}
}

func (e *LiveEngine) CostElementMetrics(ctx context.Context, id EntityID, control TimePoint) (MetricSet, error) {
	ce, err := e.Store.GetCostElement(ctx, id)
	if err != nil {
		return MetricSet{}, err
	}
	return e.costElement(ctx, *ce, control)
}

func (e *LiveEngine) WBEMetrics(ctx context.Context, id EntityID, control TimePoint) (MetricSet, error) {
	w, err := e.Store.GetWBE(ctx, id)
	if err != nil {
		return MetricSet{}, err
	}
	tree, err := e.wbeTree(ctx, *w, control)
	if err != nil {
		return MetricSet{}, err
	}
	return tree.Metrics, nil
}

func (e *LiveEngine) ProjectMetrics(ctx context.Context, id EntityID, control TimePoint) (MetricSet, error) {
	tree, err := e.ProjectTree(ctx, id, control)
	if err != nil {
		return MetricSet{}, err
	}
	return tree.Metrics, nil
}

// ProjectTree computes all three levels of a project in one pass. The
// project total is built from the WBE totals, which are built from the
// cost element metric sets; there is no shortcut between levels.
func (e *LiveEngine) ProjectTree(ctx context.Context, id EntityID, control TimePoint) (*ProjectTree, error) {
	if _, err := e.Store.GetProject(ctx, id); err != nil {
		return nil, err
	}
	wbes, err := e.Store.ListWBEs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing wbes of %s: %w", id, err)
	}

	var existing []WBE
	for _, w := range wbes {
		if ExistsAt(w.CreatedAt, control) {
			existing = append(existing, w)
		}
	}

	trees := make([]WBETree, len(existing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism())
	for i, w := range existing {
		i, w := i, w
		g.Go(func() error {
			t, err := e.wbeTree(gctx, w, control)
			if err != nil {
				return err
			}
			trees[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	children := make([]MetricSet, len(trees))
	for i, t := range trees {
		children[i] = t.Metrics
	}
	return &ProjectTree{
		Metrics: Rollup(LevelProject, id, control, children).withSource(SourceLive, ""),
		WBEs:    trees,
	}, nil
}

func (e *LiveEngine) wbeTree(ctx context.Context, w WBE, control TimePoint) (WBETree, error) {
	ces, err := e.Store.ListCostElements(ctx, w.ID)
	if err != nil {
		return WBETree{}, fmt.Errorf("listing cost elements of %s: %w", w.ID, err)
	}

	var children []MetricSet
	for _, ce := range ces {
		if !ExistsAt(ce.CreatedAt, control) {
			continue
		}
		m, err := e.costElement(ctx, ce, control)
		if err != nil {
			return WBETree{}, err
		}
		children = append(children, m)
	}
	return WBETree{
		Metrics:      Rollup(LevelWBE, w.ID, control, children).withSource(SourceLive, ""),
		CostElements: children,
	}, nil
}

func (e *LiveEngine) costElement(ctx context.Context, ce CostElement, control TimePoint) (MetricSet, error) {
	in, err := e.loadInput(ctx, ce, control)
	if err != nil {
		return MetricSet{}, err
	}
	return ComputeCostElementMetrics(in).withSource(SourceLive, ""), nil
}

func (e *LiveEngine) loadInput(ctx context.Context, ce CostElement, control TimePoint) (CostElementInput, error) {
	schedule, err := e.Store.ActiveSchedule(ctx, ce.ID)
	if err != nil {
		return CostElementInput{}, fmt.Errorf("loading schedule of %s: %w", ce.ID, err)
	}
	progress, err := e.Store.ListProgress(ctx, ce.ID)
	if err != nil {
		return CostElementInput{}, fmt.Errorf("loading progress of %s: %w", ce.ID, err)
	}
	costs, err := e.Store.ListCostTransactions(ctx, ce.ID)
	if err != nil {
		return CostElementInput{}, fmt.Errorf("loading costs of %s: %w", ce.ID, err)
	}
	forecasts, err := e.Store.ListForecasts(ctx, ce.ID)
	if err != nil {
		return CostElementInput{}, fmt.Errorf("loading forecasts of %s: %w", ce.ID, err)
	}
	return CostElementInput{
		CostElement: ce,
		Schedule:    schedule,
		Progress:    progress,
		Costs:       costs,
		Forecasts:   forecasts,
		ControlDate: control,
	}, nil
}

func (e *LiveEngine) parallelism() int {
	if e.Parallelism <= 0 {
		return defaultParallelism
	}
	return e.Parallelism
}

func (m MetricSet) withSource(src Source, id BaselineID) MetricSet {
	m.Source = src
	m.BaselineID = id
	return m
}
