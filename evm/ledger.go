/*
ledger.go - Append-only record ledger

PURPOSE:
  The single write path for hierarchy nodes and time-stamped records.
  Validates at the boundary, assigns ids and creation timestamps, checks
  idempotency keys, then appends.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: progress, costs, forecasts and schedule versions are never
     updated or deleted. A correction is a newer record.
  2. IDEMPOTENT: a record whose idempotency key already exists is rejected
     with ErrDuplicateIdempotencyKey.
  3. VALIDATED: nothing invalid reaches the calculation path.

SEE ALSO:
  - validate.go: the boundary rules
  - selector.go: picks the latest record as of a control date
*/
package evm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LedgerStore is what the ledger needs from a backend.
type LedgerStore interface {
	HierarchyReader
	Writer
}

type RecordLedger struct {
	Store LedgerStore
	Now   func() time.Time

	// OnAppend runs after every successful write, e.g. to drop memoized
	// live metrics.
	OnAppend func()
}

func NewRecordLedger(store LedgerStore) *RecordLedger {
	return &RecordLedger{Store: store, Now: time.Now}
}

// =============================================================================
// HIERARCHY
// =============================================================================

func (l *RecordLedger) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if err := ValidateProject(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = EntityID(uuid.NewString())
	}
	p.CreatedAt = l.stamp(p.CreatedAt)
	if err := l.Store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	l.appended()
	return &p, nil
}

func (l *RecordLedger) CreateWBE(ctx context.Context, w WBE) (*WBE, error) {
	if err := ValidateWBE(w); err != nil {
		return nil, err
	}
	if _, err := l.Store.GetProject(ctx, w.ProjectID); err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = EntityID(uuid.NewString())
	}
	w.CreatedAt = l.stamp(w.CreatedAt)
	if err := l.Store.SaveWBE(ctx, w); err != nil {
		return nil, err
	}
	l.appended()
	return &w, nil
}

func (l *RecordLedger) CreateCostElement(ctx context.Context, ce CostElement) (*CostElement, error) {
	if err := ValidateCostElement(ce); err != nil {
		return nil, err
	}
	if _, err := l.Store.GetWBE(ctx, ce.WBEID); err != nil {
		return nil, err
	}
	if ce.ID == "" {
		ce.ID = EntityID(uuid.NewString())
	}
	ce.BAC = RoundMoney(ce.BAC)
	ce.CreatedAt = l.stamp(ce.CreatedAt)
	if err := l.Store.SaveCostElement(ctx, ce); err != nil {
		return nil, err
	}
	l.appended()
	return &ce, nil
}

// =============================================================================
// RECORDS
// =============================================================================

// SetSchedule registers a new schedule version; it becomes the active one.
func (l *RecordLedger) SetSchedule(ctx context.Context, s Schedule) (*Schedule, error) {
	if err := ValidateSchedule(s); err != nil {
		return nil, err
	}
	curve, _ := ParseCurveShape(string(s.Curve))
	s.Curve = curve
	if err := l.costElementExists(ctx, s.CostElementID); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = l.stamp(s.CreatedAt)
	if err := l.Store.AppendSchedule(ctx, s); err != nil {
		return nil, err
	}
	l.appended()
	return &s, nil
}

func (l *RecordLedger) AppendProgress(ctx context.Context, p ProgressRecord) (*ProgressRecord, error) {
	if err := ValidateProgress(p); err != nil {
		return nil, err
	}
	if err := l.precheck(ctx, p.CostElementID, p.IdempotencyKey); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = l.stamp(p.CreatedAt)
	if err := l.Store.AppendProgress(ctx, p); err != nil {
		return nil, err
	}
	l.appended()
	return &p, nil
}

func (l *RecordLedger) AppendCost(ctx context.Context, c CostTransaction) (*CostTransaction, error) {
	if err := ValidateCostTransaction(c); err != nil {
		return nil, err
	}
	if err := l.precheck(ctx, c.CostElementID, c.IdempotencyKey); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Amount = RoundMoney(c.Amount)
	c.CreatedAt = l.stamp(c.CreatedAt)
	if err := l.Store.AppendCostTransaction(ctx, c); err != nil {
		return nil, err
	}
	l.appended()
	return &c, nil
}

func (l *RecordLedger) AppendForecast(ctx context.Context, f Forecast) (*Forecast, error) {
	if err := ValidateForecast(f); err != nil {
		return nil, err
	}
	if err := l.precheck(ctx, f.CostElementID, f.IdempotencyKey); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.EAC = RoundMoney(f.EAC)
	f.CreatedAt = l.stamp(f.CreatedAt)
	if err := l.Store.AppendForecast(ctx, f); err != nil {
		return nil, err
	}
	l.appended()
	return &f, nil
}

func (l *RecordLedger) precheck(ctx context.Context, ceID EntityID, key string) error {
	if err := l.costElementExists(ctx, ceID); err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	exists, err := l.Store.IdempotencyKeyExists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking idempotency key: %w", err)
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

func (l *RecordLedger) costElementExists(ctx context.Context, id EntityID) error {
	_, err := l.Store.GetCostElement(ctx, id)
	return err
}

// stamp keeps an explicit creation time (imports, back-dated fixtures) and
// falls back to the ledger clock.
func (l *RecordLedger) stamp(t time.Time) time.Time {
	if !t.IsZero() {
		return t.UTC()
	}
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

func (l *RecordLedger) appended() {
	if l.OnAppend != nil {
		l.OnAppend()
	}
}
