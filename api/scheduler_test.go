package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/evm-engine/evm"
)

// flakyBaselines fails the first n CreateBaseline calls.
type flakyBaselines struct {
	evm.BaselineStore
	mu    sync.Mutex
	fails int
}

func (f *flakyBaselines) CreateBaseline(ctx context.Context, snap evm.BaselineSnapshot) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.BaselineStore.CreateBaseline(ctx, snap)
}

// gatedBaselines holds CreateBaseline open until released.
type gatedBaselines struct {
	evm.BaselineStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBaselines) CreateBaseline(ctx context.Context, snap evm.BaselineSnapshot) error {
	close(g.entered)
	<-g.release
	return g.BaselineStore.CreateBaseline(ctx, snap)
}

func newTestScheduler(t *testing.T, h *Handler, today evm.TimePoint) *BaselineScheduler {
	s := NewBaselineScheduler(h.Store, h.Writer, zaptest.NewLogger(t))
	s.Today = func() evm.TimePoint { return today }
	s.Now = func() time.Time { return today.Time }
	return s
}

func savePlan(t *testing.T, h *Handler, id evm.BaselineID, date evm.TimePoint) {
	t.Helper()
	require.NoError(t, h.Store.SaveBaselinePlan(context.Background(), evm.BaselinePlan{
		ID:           id,
		ProjectID:    "scn-linear",
		Name:         string(id),
		BaselineDate: date,
		Status:       evm.PlanPending,
		CreatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestScheduler_CapturesDuePlansOnly(t *testing.T) {
	// GIVEN: A plan for Q2 close and one for Q3 close
	// WHEN: The scheduler runs on 2025-07-02
	// THEN: Q2 is captured with the plan id as baseline id; Q3 waits

	h := setupTestHandler(t)
	require.NoError(t, h.LoadScenarioByID(context.Background(), "linear-midyear"))

	savePlan(t, h, "plan-q2", evm.NewTimePoint(2025, 6, 30))
	savePlan(t, h, "plan-q3", evm.NewTimePoint(2025, 9, 30))

	s := newTestScheduler(t, h, evm.NewTimePoint(2025, 7, 2))
	res := s.RunOnce(context.Background())
	assert.Equal(t, RunResult{Captured: 1}, res)

	b, err := h.Store.GetBaseline(context.Background(), "plan-q2")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-30", b.BaselineDate.String())

	plan, err := h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	assert.Equal(t, evm.PlanCaptured, plan.Status)
	assert.Equal(t, 1, plan.Attempts)

	_, err = h.Store.GetBaseline(context.Background(), "plan-q3")
	assert.ErrorIs(t, err, evm.ErrBaselineNotFound)

	assert.Equal(t, RunResult{}, s.RunOnce(context.Background()), "captured plans are not due again")
}

func TestScheduler_RecordsFailureAndRetries(t *testing.T) {
	h := setupTestHandler(t)
	require.NoError(t, h.LoadScenarioByID(context.Background(), "linear-midyear"))
	savePlan(t, h, "plan-q2", evm.NewTimePoint(2025, 6, 30))

	h.Writer = evm.NewBaselineWriter(h.Engine, &flakyBaselines{BaselineStore: h.Store, fails: 1}, zaptest.NewLogger(t))
	s := newTestScheduler(t, h, evm.NewTimePoint(2025, 7, 2))

	assert.Equal(t, RunResult{Failed: 1}, s.RunOnce(context.Background()))

	plan, err := h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	assert.Equal(t, evm.PlanFailed, plan.Status)
	assert.Contains(t, plan.LastError, "database is locked")

	assert.Equal(t, RunResult{Captured: 1}, s.RunOnce(context.Background()))

	plan, err = h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	assert.Equal(t, evm.PlanCaptured, plan.Status)
	assert.Equal(t, 2, plan.Attempts)
	assert.Empty(t, plan.LastError)
}

func TestScheduler_ManualCaptureCountsAsCaptured(t *testing.T) {
	// GIVEN: A baseline already captured by hand under the plan id
	// THEN: The scheduler marks the plan captured instead of failing it

	h := setupTestHandler(t)
	require.NoError(t, h.LoadScenarioByID(context.Background(), "linear-midyear"))
	savePlan(t, h, "plan-q2", evm.NewTimePoint(2025, 6, 30))

	plan, err := h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	_, err = h.Writer.Write(context.Background(), plan.Input())
	require.NoError(t, err)

	s := newTestScheduler(t, h, evm.NewTimePoint(2025, 7, 2))
	assert.Equal(t, RunResult{Captured: 1}, s.RunOnce(context.Background()))
}

func TestScheduler_FailedPlanInProgressIsSkipped(t *testing.T) {
	// GIVEN: A failed plan whose baseline is being written by someone else
	// WHEN: The scheduler runs
	// THEN: The plan is skipped, not counted or recorded as another failure

	h := setupTestHandler(t)
	require.NoError(t, h.LoadScenarioByID(context.Background(), "linear-midyear"))
	savePlan(t, h, "plan-q2", evm.NewTimePoint(2025, 6, 30))

	plan, err := h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	plan.Status = evm.PlanFailed
	plan.Attempts = 1
	plan.LastError = "database is locked"
	require.NoError(t, h.Store.SaveBaselinePlan(context.Background(), *plan))

	gate := &gatedBaselines{BaselineStore: h.Store, entered: make(chan struct{}), release: make(chan struct{})}
	h.Writer = evm.NewBaselineWriter(h.Engine, gate, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := h.Writer.Write(context.Background(), plan.Input())
		done <- err
	}()
	<-gate.entered

	s := newTestScheduler(t, h, evm.NewTimePoint(2025, 7, 2))
	assert.Equal(t, RunResult{Skipped: 1}, s.RunOnce(context.Background()))

	after, err := h.Store.GetBaselinePlan(context.Background(), "plan-q2")
	require.NoError(t, err)
	assert.Equal(t, evm.PlanFailed, after.Status)
	assert.Equal(t, 1, after.Attempts)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, RunResult{Captured: 1}, s.RunOnce(context.Background()))
}

func TestScheduler_StartStop(t *testing.T) {
	h := setupTestHandler(t)
	s := newTestScheduler(t, h, evm.NewTimePoint(2025, 7, 2))

	s.Spec = "not a cron spec"
	assert.Error(t, s.Start(context.Background()))

	s.Spec = "@every 1h"
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	s.Stop()
	s.Stop()

	s.Enabled = false
	require.NoError(t, s.Start(context.Background()))
}
