package factory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/evm-engine/evm"
	"github.com/warp/evm-engine/evm/store"
	"github.com/warp/evm-engine/factory"
)

const plantJSON = `{
	"id": "prj-plant",
	"code": "PLANT",
	"name": "Bottling Plant",
	"currency": "EUR",
	"start_date": "2025-01-01",
	"end_date": "2025-12-31",
	"created_at": "2024-12-01T09:00:00Z",
	"wbes": [
		{
			"id": "wbe-civil",
			"name": "Civil works",
			"created_at": "2024-12-01T09:00:00Z",
			"cost_elements": [
				{
					"id": "ce-foundations",
					"name": "Foundations",
					"bac": "100000.00",
					"created_at": "2024-12-01T09:00:00Z",
					"schedule": {"start_date": "2025-01-01", "end_date": "2025-12-31", "curve": "linear"},
					"progress": [
						{"effective_date": "2025-03-31", "percent_complete": "20"},
						{"effective_date": "2025-06-30", "percent_complete": "45"}
					],
					"costs": [
						{"date": "2025-03-15", "amount": "20000", "reference": "INV-1"},
						{"date": "2025-06-15", "amount": "28000", "reference": "INV-2", "idempotency_key": "inv-2"}
					],
					"forecasts": [{"effective_date": "2025-06-30", "eac": "105000"}]
				}
			]
		},
		{"id": "wbe-empty", "name": "Commissioning", "created_at": "2024-12-01T09:00:00Z"}
	]
}`

func newFactory() *factory.ProjectFactory {
	f := factory.NewProjectFactory()
	f.Now = func() time.Time { return time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func TestParseProject_Valid(t *testing.T) {
	b, err := newFactory().ParseProject(plantJSON)
	require.NoError(t, err)

	assert.Equal(t, evm.EntityID("prj-plant"), b.Project.ID)
	assert.Equal(t, "2025-12-31", b.Project.EndDate.String())
	assert.Len(t, b.WBEs, 2)
	require.Len(t, b.CostElements, 1)
	assert.Equal(t, evm.EntityID("wbe-civil"), b.CostElements[0].WBEID)
	assert.Len(t, b.Schedules, 1)
	assert.Equal(t, evm.CurveLinear, b.Schedules[0].Curve)
	assert.Len(t, b.Progress, 2)
	assert.Len(t, b.Costs, 2)
	assert.Len(t, b.Forecasts, 1)
	assert.Equal(t, "inv-2", b.Costs[1].IdempotencyKey)
}

func TestParseProject_DocumentOrderBecomesCreationOrder(t *testing.T) {
	b, err := newFactory().ParseProject(plantJSON)
	require.NoError(t, err)

	assert.True(t, b.Progress[0].CreatedAt.Before(b.Progress[1].CreatedAt))
	assert.True(t, b.Costs[0].CreatedAt.Before(b.Costs[1].CreatedAt))
}

func TestParseProject_GeneratesMissingIDs(t *testing.T) {
	b, err := newFactory().ParseProject(`{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10"}]}]}`)
	require.NoError(t, err)

	assert.NotEmpty(t, b.Project.ID)
	assert.NotEmpty(t, b.WBEs[0].ID)
	assert.Equal(t, b.WBEs[0].ID, b.CostElements[0].WBEID)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), b.Project.CreatedAt.Truncate(time.Second))
}

func TestParseProject_Errors(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{
			name:  "malformed body",
			json:  `{"name": `,
			field: "body",
		},
		{
			name:  "missing project name",
			json:  `{"id": "p"}`,
			field: "name",
		},
		{
			name:  "missing wbe name",
			json:  `{"name": "P", "wbes": [{"id": "w"}]}`,
			field: "wbes[0].name",
		},
		{
			name:  "negative bac",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "-1"}]}]}`,
			field: "wbes[0].cost_elements[0].bac",
		},
		{
			name:  "percent above 100",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10", "progress": [{"effective_date": "2025-01-01", "percent_complete": "101"}]}]}]}`,
			field: "wbes[0].cost_elements[0].progress[0].percent_complete",
		},
		{
			name:  "negative cost",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10", "costs": [{"date": "2025-01-01", "amount": "-3"}]}]}]}`,
			field: "wbes[0].cost_elements[0].costs[0].amount",
		},
		{
			name:  "negative forecast",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10", "forecasts": [{"effective_date": "2025-01-01", "eac": "-3"}]}]}]}`,
			field: "wbes[0].cost_elements[0].forecasts[0].eac",
		},
		{
			name:  "schedule ends before it starts",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10", "schedule": {"start_date": "2025-06-01", "end_date": "2025-01-01"}}]}]}`,
			field: "wbes[0].cost_elements[0].end_date",
		},
		{
			name:  "unknown curve",
			json:  `{"name": "P", "wbes": [{"name": "W", "cost_elements": [{"name": "C", "bac": "10", "schedule": {"start_date": "2025-01-01", "end_date": "2025-06-01", "curve": "zigzag"}}]}]}`,
			field: "wbes[0].cost_elements[0].curve",
		},
		{
			name:  "duplicate wbe id",
			json:  `{"name": "P", "wbes": [{"id": "w", "name": "A"}, {"id": "w", "name": "B"}]}`,
			field: "wbes[1].id",
		},
		{
			name:  "cost element reuses wbe id",
			json:  `{"name": "P", "wbes": [{"id": "w", "name": "A", "cost_elements": [{"id": "w", "name": "C", "bac": "1"}]}]}`,
			field: "wbes[0].cost_elements[0].id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFactory().ParseProject(tt.json)
			require.Error(t, err)
			assert.True(t, evm.IsClientError(err))

			var ve *evm.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// =============================================================================
// IMPORT
// =============================================================================

func TestImport_ComputesLikeHandWrittenRecords(t *testing.T) {
	// GIVEN: The plant document imported into an empty store
	// WHEN: Computing the project at 2025-07-02
	// THEN: The empty WBE adds nothing; the cost element drives everything

	ctx := context.Background()
	mem := store.NewMemory()
	b, err := newFactory().ParseProject(plantJSON)
	require.NoError(t, err)
	require.NoError(t, factory.Import(ctx, mem, b))

	m, err := evm.NewLiveEngine(mem).ProjectMetrics(ctx, "prj-plant", evm.NewTimePoint(2025, time.July, 2))
	require.NoError(t, err)
	assert.Equal(t, "50000.00", m.PV.StringFixed(2))
	assert.Equal(t, "45000.00", m.EV.StringFixed(2))
	assert.Equal(t, "48000.00", m.AC.StringFixed(2))
	assert.Equal(t, "105000.00", m.EAC.StringFixed(2))
	assert.Equal(t, "0.9375", m.CPI.String())
}

func TestImport_AllOrNothing(t *testing.T) {
	// GIVEN: A store that already holds idempotency key "inv-2"
	// WHEN: Importing a document reusing it
	// THEN: The import fails and none of the document is visible

	ctx := context.Background()
	mem := store.NewMemory()

	seed, err := newFactory().ParseProject(`{"id": "other", "name": "Other", "wbes": [{"id": "ow", "name": "W", "cost_elements": [{"id": "oc", "name": "C", "bac": "1", "costs": [{"date": "2025-01-01", "amount": "1", "idempotency_key": "inv-2"}]}]}]}`)
	require.NoError(t, err)
	require.NoError(t, factory.Import(ctx, mem, seed))

	b, err := newFactory().ParseProject(plantJSON)
	require.NoError(t, err)
	err = factory.Import(ctx, mem, b)
	assert.ErrorIs(t, err, evm.ErrDuplicateIdempotencyKey)

	_, err = mem.GetProject(ctx, "prj-plant")
	assert.ErrorIs(t, err, evm.ErrProjectNotFound)
}
