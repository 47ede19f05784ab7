package busqueue

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/elephant-data/oversight/pkg/ingest"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/state"
)

// CountyResolver looks up the county for an event that arrived without
// one, from the event's source archive reference.
type CountyResolver func(ctx context.Context, bucket, key string) (string, error)

// Dispatcher fans one event out to the ingestion and state engines.
// The two touch disjoint tables, so they run concurrently; either
// failure fails the event and the bus redelivers.
type Dispatcher struct {
	ingest        *ingest.Engine
	state         *state.Engine
	resolveCounty CountyResolver
}

// NewDispatcher creates the event fan-out.
func NewDispatcher(ing *ingest.Engine, st *state.Engine) *Dispatcher {
	if ing == nil {
		panic("NewDispatcher: ingest engine must not be nil")
	}
	if st == nil {
		panic("NewDispatcher: state engine must not be nil")
	}
	return &Dispatcher{ingest: ing, state: st}
}

var _ Handler = (*Dispatcher)(nil)

// SetCountyResolver installs the input-archive fallback for events
// arriving without a county.
func (d *Dispatcher) SetCountyResolver(r CountyResolver) {
	d.resolveCounty = r
}

// HandleEvent applies the event to both engines, resolving a missing
// county from the source archive first when a resolver is installed.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *models.WorkflowEvent) error {
	if ev.County == "" && d.resolveCounty != nil && ev.SourceBucket != "" && ev.SourceKey != "" {
		county, err := d.resolveCounty(ctx, ev.SourceBucket, ev.SourceKey)
		if err != nil {
			return fmt.Errorf("failed to resolve county for execution %s: %w", ev.ExecutionID, err)
		}
		ev.County = county
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingest.Ingest(ctx, ev) })
	g.Go(func() error { return d.state.Apply(ctx, ev) })
	return g.Wait()
}
