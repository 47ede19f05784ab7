package repair

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-data/oversight/pkg/blob"
	"github.com/elephant-data/oversight/pkg/selector"
	"github.com/elephant-data/oversight/pkg/store"
)

func TestPool_DrainsQueuedRepairs(t *testing.T) {
	st := store.NewMemory()
	seedExecution(t, st, "s3://data/palmbeach/E1/svl_errors.csv")

	f := newFixture(t, st, 1)
	f.blobs.put(f.layout.ScriptsURI("palmbeach"), scriptsZip(t, "original\n"))
	f.blobs.put(blob.URI{Bucket: "data", Key: "palmbeach/E1/svl_errors.csv"},
		[]byte("errorMessage,errorPath\nmust have required property 'parcel_id',/parcel/0\n"))
	f.validator.queue = []validatorCall{{resp: successResponse()}}

	pool := NewPool(PoolConfig{
		Controller: f.controller,
		Order:      selector.OrderMost,
		Interval:   10 * time.Millisecond,
	}, nil)

	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(f.mutator.deletedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"E1"}, f.mutator.deletedIDs())

	require.Eventually(t, func() bool {
		return pool.Health().ActiveRepairs == 0
	}, 2*time.Second, 10*time.Millisecond)
	h := pool.Health()
	assert.Equal(t, 1, h.Workers)
	assert.False(t, h.LastActivity.IsZero())
}

func TestPool_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, store.NewMemory(), 1)
	pool := NewPool(PoolConfig{
		Controller: f.controller,
		Interval:   5 * time.Millisecond,
	}, nil)

	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()
}
