package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_UpdateItem_UpsertAndCounters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ErrorKey("01256")

	it, err := m.UpdateItem(ctx, key, Update{
		EntityType: EntityErrorRecord,
		Upsert:     true,
		Set:        map[string]any{"errorCode": "01256", "status": "failed"},
		Add:        map[string]int64{"totalCount": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), it.Counter("totalCount"))
	assert.Equal(t, "failed", it.Attr("status"))

	// Second ADD returns the post-increment value.
	it, err = m.UpdateItem(ctx, key, Update{Upsert: true, Add: map[string]int64{"totalCount": 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), it.Counter("totalCount"))
}

func TestMemory_UpdateItem_MissingWithoutUpsert(t *testing.T) {
	m := NewMemory()
	_, err := m.UpdateItem(context.Background(), ExecutionKey("E404"), Update{
		Set: map[string]any{"status": "failed"},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestMemory_Conditions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExecutionKey("E1")

	_, err := m.UpdateItem(ctx, key, Update{
		EntityType: EntityExecutionState,
		Upsert:     true,
		Set:        map[string]any{"status": "failed"},
		Add:        map[string]int64{"version": 1, "openErrorCount": 2},
	})
	require.NoError(t, err)

	t.Run("counter equality guard", func(t *testing.T) {
		_, err := m.UpdateItem(ctx, key, Update{
			Add:       map[string]int64{"version": 1},
			Condition: &Condition{CounterEQ: map[string]int64{"version": 99}},
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConditionFailed))
	})

	t.Run("counter floor guard blocks double-decrement", func(t *testing.T) {
		dec := Update{
			Add:       map[string]int64{"openErrorCount": -1},
			Condition: &Condition{CounterGT: map[string]int64{"openErrorCount": 0}},
		}
		it, err := m.UpdateItem(ctx, key, dec)
		require.NoError(t, err)
		assert.Equal(t, int64(1), it.Counter("openErrorCount"))
		it, err = m.UpdateItem(ctx, key, dec)
		require.NoError(t, err)
		assert.Equal(t, int64(0), it.Counter("openErrorCount"))
		_, err = m.UpdateItem(ctx, key, dec)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConditionFailed))
	})

	t.Run("attr equality guard", func(t *testing.T) {
		_, err := m.UpdateItem(ctx, key, Update{
			Set:       map[string]any{"status": "maybeSolved"},
			Condition: &Condition{AttrEQ: map[string]string{"status": "maybeSolved"}},
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConditionFailed))
	})

	t.Run("existence guard", func(t *testing.T) {
		err := m.PutItem(ctx, Item{Key: key, EntityType: EntityExecutionState}, Exists(false))
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConditionFailed))
	})
}

func TestMemory_TransactWrite_TokenIdempotency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ErrorKey("23456")

	items := []TransactItem{{
		Key: key,
		Update: &Update{
			EntityType: EntityErrorRecord,
			Upsert:     true,
			Add:        map[string]int64{"totalCount": 2},
		},
	}}

	require.NoError(t, m.TransactWrite(ctx, "evt-1", items))
	require.NoError(t, m.TransactWrite(ctx, "evt-1", items), "replay must be a no-op")

	it, err := m.GetItem(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), it.Counter("totalCount"), "token must suppress double-apply")

	require.NoError(t, m.TransactWrite(ctx, "evt-2", items))
	it, err = m.GetItem(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), it.Counter("totalCount"))
}

func TestMemory_TransactWrite_AtomicityOnConditionFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := ExecutionKey("EA")
	b := ExecutionKey("EB")
	_, err := m.UpdateItem(ctx, a, Update{EntityType: EntityFailedExecution, Upsert: true, Add: map[string]int64{"openErrorCount": 1}})
	require.NoError(t, err)

	err = m.TransactWrite(ctx, "tx-1", []TransactItem{
		{Key: a, Update: &Update{Upsert: true, Add: map[string]int64{"openErrorCount": 5}}},
		{Key: b, Update: &Update{
			Upsert:    true,
			Add:       map[string]int64{"openErrorCount": 1},
			Condition: &Condition{CounterGT: map[string]int64{"openErrorCount": 0}},
		}},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConditionFailed))

	it, err := m.GetItem(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), it.Counter("openErrorCount"), "failed transaction must not partially apply")
	_, err = m.GetItem(ctx, b)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestMemory_TransactWrite_RejectsDuplicateKeys(t *testing.T) {
	m := NewMemory()
	key := ErrorKey("01256")
	err := m.TransactWrite(context.Background(), "", []TransactItem{
		{Key: key, Update: &Update{Upsert: true}},
		{Key: key, Update: &Update{Upsert: true, Add: map[string]int64{"totalCount": 1}}},
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestMemory_Query_DirectionPrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, code := range []string{"01001", "01002", "02001"} {
		count := int64(i + 1)
		_, err := m.UpdateItem(ctx, ErrorKey(code), Update{
			EntityType: EntityErrorRecord,
			Upsert:     true,
			Add:        map[string]int64{"totalCount": count},
			Index: &IndexKeys{
				GSI2PK: PartitionTypeError,
				GSI2SK: ErrorCountSK(StatusTokenFailed, count, code),
			},
		})
		require.NoError(t, err)
	}

	t.Run("descending returns highest count first", func(t *testing.T) {
		out, err := m.Query(ctx, QueryInput{Index: Index2, Partition: PartitionTypeError, Forward: false, Limit: 1})
		require.NoError(t, err)
		require.Len(t, out.Items, 1)
		assert.Equal(t, "ERROR#02001", out.Items[0].PK)
	})

	t.Run("ascending with prefix", func(t *testing.T) {
		out, err := m.Query(ctx, QueryInput{
			Index:     Index2,
			Partition: PartitionTypeError,
			SKPrefix:  "COUNT#FAILED#",
			Forward:   true,
		})
		require.NoError(t, err)
		require.Len(t, out.Items, 3)
		assert.Equal(t, "ERROR#01001", out.Items[0].PK)
	})

	t.Run("cursor pagination walks all pages", func(t *testing.T) {
		var seen []string
		cursor := ""
		for {
			out, err := m.Query(ctx, QueryInput{
				Index: Index2, Partition: PartitionTypeError, Forward: true, Limit: 1, Cursor: cursor,
			})
			require.NoError(t, err)
			for _, it := range out.Items {
				seen = append(seen, it.PK)
			}
			if out.NextCursor == "" {
				break
			}
			cursor = out.NextCursor
		}
		assert.Equal(t, []string{"ERROR#01001", "ERROR#01002", "ERROR#02001"}, seen)
	})
}

func TestMemory_Query_CursorSurvivesRowDeletion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, code := range []string{"01001", "01002", "01003"} {
		_, err := m.UpdateItem(ctx, ErrorKey(code), Update{
			EntityType: EntityErrorRecord,
			Upsert:     true,
			Index: &IndexKeys{
				GSI2PK: PartitionTypeError,
				GSI2SK: ErrorCountSK(StatusTokenFailed, 1, code),
			},
		})
		require.NoError(t, err)
	}

	first, err := m.Query(ctx, QueryInput{Index: Index2, Partition: PartitionTypeError, Forward: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	require.NotEmpty(t, first.NextCursor)

	// The page-boundary row disappearing must not truncate the scan.
	require.NoError(t, m.DeleteItem(ctx, first.Items[0].Key, nil))

	rest, err := m.Query(ctx, QueryInput{
		Index: Index2, Partition: PartitionTypeError, Forward: true, Limit: 10, Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	assert.Equal(t, "ERROR#01002", rest.Items[0].PK)
	assert.Equal(t, "ERROR#01003", rest.Items[1].PK)
}

func TestMemory_UpdateItem_ClearIndex(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExecutionKey("E1")

	_, err := m.UpdateItem(ctx, key, Update{
		EntityType: EntityFailedExecution,
		Upsert:     true,
		Index: &IndexKeys{
			GSI1PK: PartitionErrorCount,
			GSI1SK: ExecutionCountSK(1, "E1"),
			GSI3PK: PartitionErrorCount,
			GSI3SK: ExecutionTypedCountSK("01", StatusTokenFailed, 1, "E1"),
		},
	})
	require.NoError(t, err)

	it, err := m.UpdateItem(ctx, key, Update{
		ClearIndex: []Index{Index3},
		Index: &IndexKeys{
			GSI1PK: PartitionErrorCount,
			GSI1SK: ExecutionCountSK(2, "E1"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCountSK(2, "E1"), it.Index.GSI1SK)
	assert.Empty(t, it.Index.GSI3PK)
	assert.Empty(t, it.Index.GSI3SK)

	out, err := m.Query(ctx, QueryInput{Index: Index3, Partition: PartitionErrorCount})
	require.NoError(t, err)
	assert.Empty(t, out.Items)
}

func TestMemory_BatchGet_OmitsMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.UpdateItem(ctx, LinkKey("E1", "01256"), Update{EntityType: EntityExecutionErrorLink, Upsert: true})
	require.NoError(t, err)

	items, err := m.BatchGet(ctx, []Key{LinkKey("E1", "01256"), LinkKey("E1", "99999")})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ERROR#01256", items[0].SK)
}

func TestMemory_DeleteItem(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := ExecutionKey("E1")
	_, err := m.UpdateItem(ctx, key, Update{EntityType: EntityFailedExecution, Upsert: true})
	require.NoError(t, err)

	require.NoError(t, m.DeleteItem(ctx, key, nil))
	_, err = m.GetItem(ctx, key)
	assert.True(t, IsKind(err, KindNotFound))

	// Deleting again without a guard is a no-op.
	require.NoError(t, m.DeleteItem(ctx, key, nil))
}
