/*
store.go - Persistence interfaces consumed by the engine

PURPOSE:
  Defines the boundary between the EVM engine and the database. The pure
  calculation functions never see these interfaces; the live path (live.go)
  uses them to materialize inputs, the baseline writer to persist snapshots.

KEY INTERFACES:
  Store:         read hierarchy + time-stamped records (live path)
  Writer:        append records, save hierarchy nodes
  TxWriter:      Writer with all-or-nothing batches (project import)
  BaselineStore: immutable snapshots; no update of stored numbers, ever
  PlanStore:     planned baselines captured by the scheduler
  Repository:    everything above, implemented by every backend

APPEND-ONLY CONTRACT:
  Progress records, cost transactions, forecasts and schedule versions are
  appended, never edited. Corrections are new records: the selector picks
  the latest as of the control date.

  Baseline snapshots are written once, in one transaction covering every
  cost element, WBE and project row. The only later change is the
  cancellation flag.

IMPLEMENTATIONS:
  - evm/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - live.go: reads through Store
  - baseline.go: writes through BaselineStore
*/
package evm

import (
	"context"
	"time"
)

// =============================================================================
// READ SIDE - live path inputs
// =============================================================================

type HierarchyReader interface {
	GetProject(ctx context.Context, id EntityID) (*Project, error)
	GetWBE(ctx context.Context, id EntityID) (*WBE, error)
	GetCostElement(ctx context.Context, id EntityID) (*CostElement, error)

	ListProjects(ctx context.Context) ([]Project, error)
	ListWBEs(ctx context.Context, projectID EntityID) ([]WBE, error)
	ListCostElements(ctx context.Context, wbeID EntityID) ([]CostElement, error)
}

type RecordReader interface {
	// ActiveSchedule returns the latest schedule version, or nil.
	ActiveSchedule(ctx context.Context, costElementID EntityID) (*Schedule, error)
	ListSchedules(ctx context.Context, costElementID EntityID) ([]Schedule, error)

	ListProgress(ctx context.Context, costElementID EntityID) ([]ProgressRecord, error)
	ListCostTransactions(ctx context.Context, costElementID EntityID) ([]CostTransaction, error)
	ListForecasts(ctx context.Context, costElementID EntityID) ([]Forecast, error)
}

// Store is what the live path needs.
type Store interface {
	HierarchyReader
	RecordReader
}

// =============================================================================
// WRITE SIDE
// =============================================================================

type Writer interface {
	SaveProject(ctx context.Context, p Project) error
	SaveWBE(ctx context.Context, w WBE) error
	SaveCostElement(ctx context.Context, ce CostElement) error

	AppendSchedule(ctx context.Context, s Schedule) error
	AppendProgress(ctx context.Context, p ProgressRecord) error
	AppendCostTransaction(ctx context.Context, c CostTransaction) error
	AppendForecast(ctx context.Context, f Forecast) error

	// IdempotencyKeyExists checks progress, cost and forecast records.
	IdempotencyKeyExists(ctx context.Context, key string) (bool, error)
}

// TxWriter runs fn in a transaction: committed if fn returns nil, rolled
// back otherwise.
type TxWriter interface {
	Writer
	WithTx(ctx context.Context, fn func(Writer) error) error
}

// =============================================================================
// BASELINES
// =============================================================================

type BaselineStore interface {
	// CreateBaseline persists the header and every metric row atomically.
	// Returns ErrBaselineExists when the id is taken; nothing is written
	// on any error.
	CreateBaseline(ctx context.Context, snap BaselineSnapshot) error

	GetBaseline(ctx context.Context, id BaselineID) (*Baseline, error)
	ListBaselines(ctx context.Context, projectID EntityID) ([]Baseline, error)

	GetBaselineMetrics(ctx context.Context, id BaselineID, level Level, entityID EntityID) (*MetricSet, error)
	ListBaselineMetrics(ctx context.Context, id BaselineID) ([]MetricSet, error)

	// CancelBaseline sets the cancellation flag. Stored metrics are untouched.
	CancelBaseline(ctx context.Context, id BaselineID, at time.Time) error
}

type PlanStore interface {
	SaveBaselinePlan(ctx context.Context, plan BaselinePlan) error
	GetBaselinePlan(ctx context.Context, id BaselineID) (*BaselinePlan, error)
	ListBaselinePlans(ctx context.Context, projectID EntityID) ([]BaselinePlan, error)
	// ListDuePlans returns pending or failed plans dated on or before asOf.
	ListDuePlans(ctx context.Context, asOf TimePoint) ([]BaselinePlan, error)
}

// Repository is the full persistence surface of a backend.
type Repository interface {
	Store
	TxWriter
	BaselineStore
	PlanStore
}
