/*
scheduler.go - Planned baseline capture

PURPOSE:
  Captures baselines that were planned ahead of time. On every tick, each
  pending or failed plan whose baseline date has arrived is handed to the
  BaselineWriter with the plan id as the baseline id.

DESIGN:
  - Driven by robfig/cron; Spec takes a seconds field or @every descriptors
  - A plan id maps to exactly one baseline id, so a tick that races a
    manual capture (or a second server) ends in a conflict, never in a
    duplicate snapshot
  - Failures are recorded on the plan (attempts, last error) and retried
    on the next tick
  - This is the only component that reads the wall clock for capture dates

USAGE:
  scheduler := NewBaselineScheduler(store, writer, logger)
  if err := scheduler.Start(ctx); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - evm/baseline.go: BaselineWriter and BaselinePlan
  - handlers.go: CreateBaselinePlan endpoint
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/evm-engine/evm"
)

const defaultSchedulerSpec = "@every 1h"

// planSkipped is what capture reports when a plan was left untouched.
const planSkipped evm.PlanStatus = ""

// BaselineScheduler captures due baseline plans.
type BaselineScheduler struct {
	Plans   evm.PlanStore
	Writer  *evm.BaselineWriter
	Logger  *zap.Logger
	Spec    string
	Enabled bool

	// Today and Now are overridable for tests.
	Today func() evm.TimePoint
	Now   func() time.Time

	cron *cron.Cron
	mu   sync.Mutex
	run  sync.Mutex // one capture pass at a time
}

// RunResult summarizes one capture pass.
type RunResult struct {
	Captured int
	Failed   int
	Skipped  int
}

// NewBaselineScheduler creates a new scheduler.
func NewBaselineScheduler(plans evm.PlanStore, writer *evm.BaselineWriter, logger *zap.Logger) *BaselineScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BaselineScheduler{
		Plans:   plans,
		Writer:  writer,
		Logger:  logger,
		Spec:    defaultSchedulerSpec,
		Enabled: true,
		Today:   evm.Today,
		Now:     time.Now,
	}
}

// Start registers the capture job and starts the cron loop.
func (s *BaselineScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("baseline scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	spec := s.Spec
	if spec == "" {
		spec = defaultSchedulerSpec
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c

	s.Logger.Info("baseline scheduler started", zap.String("spec", spec))
	return nil
}

// Stop stops the cron loop and waits for a running pass to finish.
func (s *BaselineScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Logger.Info("baseline scheduler stopped")
}

// RunOnce captures every plan due as of today.
func (s *BaselineScheduler) RunOnce(ctx context.Context) RunResult {
	s.run.Lock()
	defer s.run.Unlock()

	var res RunResult
	today := s.Today()

	due, err := s.Plans.ListDuePlans(ctx, today)
	if err != nil {
		s.Logger.Error("listing due baseline plans", zap.Error(err))
		return res
	}

	for _, plan := range due {
		switch s.capture(ctx, plan) {
		case evm.PlanCaptured:
			res.Captured++
		case evm.PlanFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	if len(due) > 0 {
		s.Logger.Info("baseline capture pass finished",
			zap.Stringer("today", today),
			zap.Int("captured", res.Captured),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res
}

func (s *BaselineScheduler) capture(ctx context.Context, plan evm.BaselinePlan) evm.PlanStatus {
	log := s.Logger.With(
		zap.String("plan_id", string(plan.ID)),
		zap.String("project_id", string(plan.ProjectID)),
	)

	_, err := s.Writer.Write(ctx, plan.Input())
	switch {
	case errors.Is(err, evm.ErrBaselineInProgress):
		// Someone else is writing it right now; look again next tick.
		return planSkipped
	case err == nil, errors.Is(err, evm.ErrBaselineExists):
		plan.Status = evm.PlanCaptured
		plan.LastError = ""
	default:
		plan.Status = evm.PlanFailed
		plan.LastError = err.Error()
		log.Warn("planned baseline capture failed", zap.Error(err), zap.Int("attempts", plan.Attempts+1))
	}

	plan.Attempts++
	plan.UpdatedAt = s.Now().UTC()
	if err := s.Plans.SaveBaselinePlan(ctx, plan); err != nil {
		log.Error("saving baseline plan", zap.Error(err))
	}
	return plan.Status
}
