// Package state maintains per-execution lifecycle state and the
// StepAggregate counter cells derived from it.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

// Concurrent events for one execution resolve through the version
// condition; the loser re-reads and reapplies.
const maxVersionRetries = 3

// Engine applies workflow events to ExecutionState rows and keeps the
// StepAggregate cells balanced across bucket transitions.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a state engine over the state table.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if s == nil {
		panic("NewEngine: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, now: time.Now}
}

// Apply records the event's (phase, step, bucket) for its execution.
// A new execution creates its state row and increments the target
// aggregate; a cell change moves one count from the old bucket to the
// new one in the same transaction.
func (e *Engine) Apply(ctx context.Context, ev *models.WorkflowEvent) error {
	if err := ev.Validate(); err != nil {
		return store.NewError(store.KindValidation, "Apply", err)
	}
	bucket, err := models.NormalizeStatus(ev.Status)
	if err != nil {
		return store.NewError(store.KindValidation, "Apply", err)
	}

	for attempt := 0; ; attempt++ {
		err := e.applyOnce(ctx, ev, bucket)
		if err == nil || !store.IsKind(err, store.KindConditionFailed) {
			return err
		}
		if attempt == maxVersionRetries {
			return fmt.Errorf("state update for %s lost %d version races: %w",
				ev.ExecutionID, maxVersionRetries, err)
		}
		e.logger.Debug("state version race, re-reading",
			"execution_id", ev.ExecutionID, "attempt", attempt+1)
	}
}

func (e *Engine) applyOnce(ctx context.Context, ev *models.WorkflowEvent, bucket models.Bucket) error {
	key := store.ExecutionKey(ev.ExecutionID)
	cur, err := e.store.GetItem(ctx, key)
	if err != nil && !store.IsKind(err, store.KindNotFound) {
		return err
	}

	token := stateToken(ev.Token())

	if cur == nil {
		items := []store.TransactItem{
			{Key: key, Update: e.stateUpdate(ev, bucket, nil)},
			{Key: store.AggregateKey(ev.County, ev.DataGroupLabel, ev.Phase, ev.Step),
				Update: aggregateUpdate(ev.County, ev.DataGroupLabel, ev.Phase, ev.Step, bucket, +1)},
		}
		return e.store.TransactWrite(ctx, token, items)
	}

	if sameCell(cur, ev, bucket) {
		return nil
	}

	oldBucket := models.Bucket(cur.Attr("bucket"))
	oldKey := store.AggregateKey(cur.Attr("county"), cur.Attr("dataGroupLabel"), cur.Attr("phase"), cur.Attr("step"))
	newKey := store.AggregateKey(ev.County, ev.DataGroupLabel, ev.Phase, ev.Step)

	items := []store.TransactItem{
		{Key: key, Update: e.stateUpdate(ev, bucket, cur)},
		{Key: newKey, Update: aggregateUpdate(ev.County, ev.DataGroupLabel, ev.Phase, ev.Step, bucket, +1)},
	}
	// The old cell decrement is guarded so a replayed or reordered
	// event can never drive a counter negative.
	if oldKey != newKey {
		items = append(items, store.TransactItem{
			Key: oldKey,
			Update: &store.Update{
				Upsert: true,
				Add:    map[string]int64{models.CounterFor(oldBucket): -1},
				Condition: &store.Condition{
					CounterGT: map[string]int64{models.CounterFor(oldBucket): 0},
				},
			},
		})
	} else {
		// Same cell, different bucket: one update moves the count.
		items[1].Update.Add[models.CounterFor(oldBucket)] = -1
		items[1].Update.Condition = &store.Condition{
			CounterGT: map[string]int64{models.CounterFor(oldBucket): 0},
		}
	}
	return e.store.TransactWrite(ctx, token, items)
}

// stateUpdate builds the ExecutionState write. Existing rows carry an
// optimistic version condition.
func (e *Engine) stateUpdate(ev *models.WorkflowEvent, bucket models.Bucket, cur *store.Item) *store.Update {
	upd := &store.Update{
		EntityType: store.EntityExecutionState,
		Upsert:     cur == nil,
		Set: map[string]any{
			"executionId":    ev.ExecutionID,
			"county":         ev.County,
			"dataGroupLabel": ev.DataGroupLabel,
			"phase":          ev.Phase,
			"step":           ev.Step,
			"bucket":         string(bucket),
			"rawStatus":      ev.Status,
			"lastEventTime":  e.now().UTC().Format(time.RFC3339Nano),
		},
		Add: map[string]int64{"version": 1},
	}
	if cur != nil {
		upd.Condition = &store.Condition{
			CounterEQ: map[string]int64{"version": cur.Counter("version")},
		}
	} else {
		// Racing creators collapse to one winner; the loser re-reads
		// and takes the existing-row path.
		upd.Condition = store.Exists(false)
	}
	return upd
}

func aggregateUpdate(county, dg, phase, step string, bucket models.Bucket, delta int64) *store.Update {
	return &store.Update{
		EntityType: store.EntityStepAggregate,
		Upsert:     true,
		Set: map[string]any{
			"county":         county,
			"dataGroupLabel": dg,
			"phase":          phase,
			"step":           step,
		},
		Add: map[string]int64{models.CounterFor(bucket): delta},
	}
}

func sameCell(cur *store.Item, ev *models.WorkflowEvent, bucket models.Bucket) bool {
	return cur.Attr("phase") == ev.Phase &&
		cur.Attr("step") == ev.Step &&
		cur.Attr("bucket") == string(bucket) &&
		cur.Attr("county") == ev.County &&
		cur.Attr("dataGroupLabel") == ev.DataGroupLabel
}

func stateToken(eventID string) string {
	if eventID == "" {
		return ""
	}
	return "state#" + eventID
}

// GetState returns the current state of one execution.
func (e *Engine) GetState(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	it, err := e.store.GetItem(ctx, store.ExecutionKey(executionID))
	if err != nil {
		return nil, err
	}
	return stateFromItem(it), nil
}

// ListAggregates returns all StepAggregate cells for one (county,
// data-group) partition.
func (e *Engine) ListAggregates(ctx context.Context, county, dataGroup string) ([]models.StepAggregate, error) {
	pk := store.AggregateKey(county, dataGroup, "", "").PK
	var out []models.StepAggregate
	cursor := ""
	for {
		page, err := e.store.Query(ctx, store.QueryInput{
			Index:     store.IndexPrimary,
			Partition: pk,
			SKPrefix:  "PHASE#",
			Forward:   true,
			Limit:     100,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			out = append(out, models.StepAggregate{
				County:          it.Attr("county"),
				DataGroupLabel:  it.Attr("dataGroupLabel"),
				Phase:           it.Attr("phase"),
				Step:            it.Attr("step"),
				InProgressCount: it.Counter("inProgressCount"),
				FailedCount:     it.Counter("failedCount"),
				SucceededCount:  it.Counter("succeededCount"),
			})
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func stateFromItem(it *store.Item) *models.ExecutionState {
	st := &models.ExecutionState{
		ExecutionID:    it.Attr("executionId"),
		County:         it.Attr("county"),
		DataGroupLabel: it.Attr("dataGroupLabel"),
		Phase:          it.Attr("phase"),
		Step:           it.Attr("step"),
		Bucket:         models.Bucket(it.Attr("bucket")),
		RawStatus:      it.Attr("rawStatus"),
		Version:        it.Counter("version"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, it.Attr("lastEventTime")); err == nil {
		st.LastEventTime = ts
	}
	return st
}
