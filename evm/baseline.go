/*
baseline.go - Immutable baseline snapshots

PURPOSE:
  A baseline freezes the metric set of every cost element, every WBE and
  the project at one fixed baseline date. Reading a baseline is a lookup;
  the calculation path is never re-run for it.

STATE MACHINE (per baseline id):

  not_created --Write--> writing --commit--> committed (terminal)
                            |
                            +---error---> failed --Write (retry)--> writing

  - writing and failed live in the writer's in-process registry
  - committed lives in the BaselineStore
  - a failed write leaves no row at any level, so a retry starts clean

CONCURRENCY:
  Two attempts on the same id: the first one registers "writing", the
  second gets ErrBaselineInProgress immediately. Two different ids for the
  same project proceed independently. The store's unique key on the id is
  the last line against writers in other processes.

CANCELLATION:
  Cancel flips the status to cancelled. The stored numbers stay as they are.

SEE ALSO:
  - store.go: BaselineStore contract
  - metrics.go: Resolver serves baselines behind the MetricsReader interface
*/
package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// TYPES
// =============================================================================

type BaselineStatus string

const (
	BaselineActive    BaselineStatus = "active"
	BaselineCancelled BaselineStatus = "cancelled"
)

type Baseline struct {
	ID           BaselineID
	ProjectID    EntityID
	Name         string
	Description  string
	BaselineDate TimePoint
	Status       BaselineStatus
	CreatedAt    time.Time
	CancelledAt  *time.Time
}

func (b Baseline) IsActive() bool { return b.Status != BaselineCancelled }

// BaselineSnapshot is what gets persisted in one transaction.
type BaselineSnapshot struct {
	Baseline Baseline
	Metrics  []MetricSet
}

type SnapshotState string

const (
	SnapshotNotCreated SnapshotState = "not_created"
	SnapshotWriting    SnapshotState = "writing"
	SnapshotCommitted  SnapshotState = "committed"
	SnapshotFailed     SnapshotState = "failed"
)

type CreateBaselineInput struct {
	ID           BaselineID // generated when empty
	ProjectID    EntityID
	Name         string
	Description  string
	BaselineDate TimePoint
}

func (in CreateBaselineInput) Validate() error {
	if strings.TrimSpace(string(in.ProjectID)) == "" {
		return &ValidationError{Field: "project_id", Reason: "required"}
	}
	if in.BaselineDate.IsZero() {
		return &ValidationError{Field: "baseline_date", Reason: "required"}
	}
	return nil
}

// =============================================================================
// WRITER
// =============================================================================

type BaselineWriter struct {
	Live      *LiveEngine
	Baselines BaselineStore
	Logger    *zap.Logger
	Now       func() time.Time

	mu     sync.Mutex
	states map[BaselineID]SnapshotState
}

func NewBaselineWriter(live *LiveEngine, baselines BaselineStore, logger *zap.Logger) *BaselineWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaselineWriter{
		Live:      live,
		Baselines: baselines,
		Logger:    logger,
		Now:       time.Now,
		states:    make(map[BaselineID]SnapshotState),
	}
}

// Write computes the project tree at the baseline date and commits it.
func (w *BaselineWriter) Write(ctx context.Context, in CreateBaselineInput) (*BaselineSnapshot, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = BaselineID(uuid.NewString())
	}
	if strings.TrimSpace(in.Name) == "" {
		in.Name = "Baseline " + in.BaselineDate.String()
	}

	log := w.Logger.With(
		zap.String("baseline_id", string(in.ID)),
		zap.String("project_id", string(in.ProjectID)),
		zap.Stringer("baseline_date", in.BaselineDate),
	)

	if err := w.begin(ctx, in.ID); err != nil {
		log.Info("baseline write rejected", zap.Error(err))
		return nil, err
	}

	snap, err := w.capture(ctx, in)
	w.finish(in.ID, err)
	if err != nil {
		log.Warn("baseline write failed", zap.Error(err))
		return nil, err
	}

	log.Info("baseline committed", zap.Int("rows", len(snap.Metrics)))
	return snap, nil
}

// State reports where a baseline id is in its lifecycle.
func (w *BaselineWriter) State(ctx context.Context, id BaselineID) (SnapshotState, error) {
	w.mu.Lock()
	s, ok := w.states[id]
	w.mu.Unlock()
	if ok {
		return s, nil
	}

	_, err := w.Baselines.GetBaseline(ctx, id)
	switch {
	case err == nil:
		return SnapshotCommitted, nil
	case errors.Is(err, ErrBaselineNotFound):
		return SnapshotNotCreated, nil
	default:
		return "", err
	}
}

// Cancel retracts a committed baseline logically.
func (w *BaselineWriter) Cancel(ctx context.Context, id BaselineID) error {
	if err := w.Baselines.CancelBaseline(ctx, id, w.Now().UTC()); err != nil {
		return err
	}
	w.Logger.Info("baseline cancelled", zap.String("baseline_id", string(id)))
	return nil
}

func (w *BaselineWriter) begin(ctx context.Context, id BaselineID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.states[id] == SnapshotWriting {
		return &BaselineConflictError{BaselineID: id, State: SnapshotWriting}
	}
	_, err := w.Baselines.GetBaseline(ctx, id)
	switch {
	case err == nil:
		return &BaselineConflictError{BaselineID: id, State: SnapshotCommitted}
	case !errors.Is(err, ErrBaselineNotFound):
		return fmt.Errorf("checking baseline %s: %w", id, err)
	}

	w.states[id] = SnapshotWriting
	return nil
}

func (w *BaselineWriter) finish(id BaselineID, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.states[id] = SnapshotFailed
		return
	}
	delete(w.states, id)
}

func (w *BaselineWriter) capture(ctx context.Context, in CreateBaselineInput) (*BaselineSnapshot, error) {
	tree, err := w.Live.ProjectTree(ctx, in.ProjectID, in.BaselineDate)
	if err != nil {
		return nil, fmt.Errorf("computing baseline metrics: %w", err)
	}

	rows := tree.Flatten()
	for i := range rows {
		rows[i] = rows[i].withSource(SourceBaseline, in.ID)
	}

	snap := &BaselineSnapshot{
		Baseline: Baseline{
			ID:           in.ID,
			ProjectID:    in.ProjectID,
			Name:         in.Name,
			Description:  in.Description,
			BaselineDate: in.BaselineDate,
			Status:       BaselineActive,
			CreatedAt:    w.Now().UTC(),
		},
		Metrics: rows,
	}

	if err := w.Baselines.CreateBaseline(ctx, *snap); err != nil {
		if errors.Is(err, ErrBaselineExists) {
			return nil, &BaselineConflictError{BaselineID: in.ID, State: SnapshotCommitted}
		}
		return nil, fmt.Errorf("persisting baseline %s: %w", in.ID, err)
	}
	return snap, nil
}

// =============================================================================
// READER
// =============================================================================

// BaselineReader serves stored snapshots. It never recomputes.
type BaselineReader struct {
	Baselines BaselineStore
}

// ReadBaselineMetrics returns the stored metric set of one node.
func (r *BaselineReader) ReadBaselineMetrics(ctx context.Context, id BaselineID, level Level, entityID EntityID) (MetricSet, error) {
	b, err := r.Baselines.GetBaseline(ctx, id)
	if err != nil {
		return MetricSet{}, err
	}
	m, err := r.Baselines.GetBaselineMetrics(ctx, b.ID, level, entityID)
	if err != nil {
		return MetricSet{}, err
	}
	return m.withSource(SourceBaseline, b.ID), nil
}

// =============================================================================
// PLANNED BASELINES
// =============================================================================

type PlanStatus string

const (
	PlanPending  PlanStatus = "pending"
	PlanCaptured PlanStatus = "captured"
	PlanFailed   PlanStatus = "failed"
)

// BaselinePlan asks for a baseline to be captured once its date arrives.
// The plan id becomes the baseline id, which makes the capture idempotent.
type BaselinePlan struct {
	ID           BaselineID
	ProjectID    EntityID
	Name         string
	Description  string
	BaselineDate TimePoint
	Status       PlanStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Input converts a plan into a write request.
func (p BaselinePlan) Input() CreateBaselineInput {
	return CreateBaselineInput{
		ID:           p.ID,
		ProjectID:    p.ProjectID,
		Name:         p.Name,
		Description:  p.Description,
		BaselineDate: p.BaselineDate,
	}
}
