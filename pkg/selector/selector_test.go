package selector

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-data/oversight/pkg/ingest"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

func setup(t *testing.T) (*Selector, *ingest.Engine) {
	t.Helper()
	mem := store.NewMemory()
	eng := ingest.NewEngine(mem, metrics.NewRecorder(), slog.Default())
	return NewSelector(mem, slog.Default()), eng
}

func ingestEvent(t *testing.T, eng *ingest.Engine, execID string, codes ...string) {
	t.Helper()
	ev := &models.WorkflowEvent{
		EventID:     "evt-" + execID,
		ExecutionID: execID,
		County:      "palmbeach",
		Phase:       "transform",
		Step:        "validate",
		Status:      "FAILED",
	}
	for _, c := range codes {
		ev.Errors = append(ev.Errors, models.EventError{Code: c})
	}
	require.NoError(t, eng.Ingest(context.Background(), ev))
}

func TestParseOrder(t *testing.T) {
	for in, want := range map[string]Order{
		"most": OrderMost, "least": OrderLeast, " Most ": OrderMost, "LEAST": OrderLeast,
	} {
		got, err := ParseOrder(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseOrder("best")
	require.Error(t, err)
	_, err = ParseOrder("")
	require.Error(t, err)
}

func TestPick_MostAndLeast(t *testing.T) {
	sel, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256")
	ingestEvent(t, eng, "E2", "01256", "01999", "23456")
	ingestEvent(t, eng, "E3", "34567", "34568")

	most, err := sel.Pick(ctx, OrderMost, "")
	require.NoError(t, err)
	require.NotNil(t, most)
	assert.Equal(t, "E2", most.Execution.ExecutionID)
	assert.Equal(t, int64(3), most.Execution.OpenErrorCount)
	assert.Len(t, most.Errors, 3)

	least, err := sel.Pick(ctx, OrderLeast, "")
	require.NoError(t, err)
	require.NotNil(t, least)
	assert.Equal(t, "E1", least.Execution.ExecutionID)
	assert.Len(t, least.Errors, 1)
}

func TestPick_ErrorTypeFilter(t *testing.T) {
	sel, eng := setup(t)
	ctx := context.Background()

	// Dominant types: 01, 02, 01. The overall maximum is the 02
	// execution, which the type filter must skip.
	ingestEvent(t, eng, "E1", "01256")
	ingestEvent(t, eng, "E2", "02001", "02002", "02003")
	ingestEvent(t, eng, "E3", "01256", "01999")

	got, err := sel.Pick(ctx, OrderMost, "01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "E3", got.Execution.ExecutionID)

	got, err = sel.Pick(ctx, OrderLeast, "01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "E1", got.Execution.ExecutionID)

	got, err = sel.Pick(ctx, OrderMost, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "E2", got.Execution.ExecutionID)
}

func TestPick_NoMatches(t *testing.T) {
	sel, eng := setup(t)
	ctx := context.Background()

	got, err := sel.Pick(ctx, OrderMost, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	ingestEvent(t, eng, "E1", "01256")
	got, err = sel.Pick(ctx, OrderMost, "77")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPick_InvalidInput(t *testing.T) {
	sel, _ := setup(t)
	ctx := context.Background()

	_, err := sel.Pick(ctx, Order("best"), "")
	require.Error(t, err)
	assert.True(t, store.IsKind(err, store.KindValidation))

	_, err = sel.Pick(ctx, OrderMost, "0#1")
	require.Error(t, err)
	assert.True(t, store.IsKind(err, store.KindValidation))
}

func TestGetExecution(t *testing.T) {
	sel, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256")

	exec, err := sel.GetExecution(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, "palmbeach", exec.County)
	assert.Equal(t, "failed", exec.Status)

	missing, err := sel.GetExecution(ctx, "E404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
