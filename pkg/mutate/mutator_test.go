package mutate

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-data/oversight/pkg/ingest"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

func setup(t *testing.T) (*Mutator, *store.Memory, *ingest.Engine) {
	t.Helper()
	mem := store.NewMemory()
	eng := ingest.NewEngine(mem, metrics.NewRecorder(), slog.Default())
	return NewMutator(mem, slog.Default()), mem, eng
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

func TestMarkSolved_CascadesAcrossExecutions(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256", "23456")
	ingestEvent(t, eng, "E2", "01256", "34567")

	require.NoError(t, m.MarkSolvedForCodes(ctx, []string{"01256"}, "palmbeach"))

	for _, id := range []string{"E1", "E2"} {
		link, err := mem.GetItem(ctx, store.LinkKey(id, "01256"))
		require.NoError(t, err)
		assert.Equal(t, "maybeSolved", link.Attr("status"), id)

		exec, err := mem.GetItem(ctx, store.ExecutionKey(id))
		require.NoError(t, err)
		assert.Equal(t, int64(1), exec.Counter("openErrorCount"), id)
		assert.Equal(t, "COUNT#0000000001#EXECUTION#"+id, exec.Index.GSI1SK)
	}

	rec, err := mem.GetItem(ctx, store.ErrorKey("01256"))
	require.NoError(t, err)
	assert.Equal(t, "maybeSolved", rec.Attr("status"))
	assert.Equal(t, "COUNT#MAYBESOLVED#0000000002#ERROR#01256", rec.Index.GSI2SK)
	assert.Equal(t, "COUNT#01#MAYBESOLVED#0000000002#ERROR#01256", rec.Index.GSI3SK)
}

func TestMarkSolved_LastOpenErrorDeletesExecution(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256")

	require.NoError(t, m.MarkSolvedForCodes(ctx, []string{"01256"}, "palmbeach"))

	_, err := mem.GetItem(ctx, store.ExecutionKey("E1"))
	assert.True(t, store.IsKind(err, store.KindNotFound))
	_, err = mem.GetItem(ctx, store.LinkKey("E1", "01256"))
	assert.True(t, store.IsKind(err, store.KindNotFound))

	// The ErrorRecord lives forever.
	rec, err := mem.GetItem(ctx, store.ErrorKey("01256"))
	require.NoError(t, err)
	assert.Equal(t, "maybeSolved", rec.Attr("status"))
}

func TestMarkSolved_IsIdempotent(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256", "23456")

	require.NoError(t, m.MarkSolvedForCodes(ctx, []string{"01256"}, "palmbeach"))
	require.NoError(t, m.MarkSolvedForCodes(ctx, []string{"01256"}, "palmbeach"))

	exec, err := mem.GetItem(ctx, store.ExecutionKey("E1"))
	require.NoError(t, err)
	// The second run must not decrement again.
	assert.Equal(t, int64(1), exec.Counter("openErrorCount"))
}

func TestMarkSolved_FlipsEveryLinkBeyondOnePage(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	// More executions than one reverse-index page; every one cascade
	// deletes when its only error flips, including the page boundary.
	const n = 120
	for i := 0; i < n; i++ {
		ingestEvent(t, eng, fmt.Sprintf("E%03d", i), "01256")
	}

	require.NoError(t, m.MarkSolvedForCodes(ctx, []string{"01256"}, "palmbeach"))

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("E%03d", i)
		_, err := mem.GetItem(ctx, store.ExecutionKey(id))
		assert.True(t, store.IsKind(err, store.KindNotFound), id)
	}
	out, err := mem.Query(ctx, store.QueryInput{
		Index: store.Index1, Partition: "ERROR#01256", Forward: true,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Items)

	rec, err := mem.GetItem(ctx, store.ErrorKey("01256"))
	require.NoError(t, err)
	assert.Equal(t, "maybeSolved", rec.Attr("status"))
}

func TestMarkUnrecoverableForExecution(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256", "23456")
	ingestEvent(t, eng, "E2", "01256")

	require.NoError(t, m.MarkUnrecoverableForExecution(ctx, "E1"))

	// All of E1 is closed out and deleted.
	_, err := mem.GetItem(ctx, store.ExecutionKey("E1"))
	assert.True(t, store.IsKind(err, store.KindNotFound))

	// E2 and the shared ErrorRecord are untouched.
	exec, err := mem.GetItem(ctx, store.ExecutionKey("E2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), exec.Counter("openErrorCount"))
	rec, err := mem.GetItem(ctx, store.ErrorKey("01256"))
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Attr("status"))
}

func TestMarkUnrecoverableForCode(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256", "23456")

	require.NoError(t, m.MarkUnrecoverableForCode(ctx, "01256"))

	link, err := mem.GetItem(ctx, store.LinkKey("E1", "01256"))
	require.NoError(t, err)
	assert.Equal(t, "maybeUnrecoverable", link.Attr("status"))

	rec, err := mem.GetItem(ctx, store.ErrorKey("01256"))
	require.NoError(t, err)
	assert.Equal(t, "COUNT#MAYBEUNRECOVERABLE#0000000001#ERROR#01256", rec.Index.GSI2SK)
}

func TestDeleteExecution(t *testing.T) {
	m, mem, eng := setup(t)
	ctx := context.Background()

	ingestEvent(t, eng, "E1", "01256", "23456", "34567")

	require.NoError(t, m.DeleteExecution(ctx, "E1"))

	_, err := mem.GetItem(ctx, store.ExecutionKey("E1"))
	assert.True(t, store.IsKind(err, store.KindNotFound))
	for _, code := range []string{"01256", "23456", "34567"} {
		_, err = mem.GetItem(ctx, store.LinkKey("E1", code))
		assert.True(t, store.IsKind(err, store.KindNotFound), code)
	}

	// Deleting again is a no-op.
	require.NoError(t, m.DeleteExecution(ctx, "E1"))
}

func TestMarkSolved_UnknownCodeIsNoOp(t *testing.T) {
	m, _, _ := setup(t)
	require.NoError(t, m.MarkSolvedForCodes(context.Background(), []string{"99999"}, "palmbeach"))
}
