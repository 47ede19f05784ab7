// Package ingest consumes workflow events and records their failures:
// one FailedExecution row per execution, one ErrorRecord per code, and
// the N:M links between them, all under atomic counter increments.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elephant-data/oversight/pkg/errcode"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

// Engine ingests workflow events into the error-tracking table.
type Engine struct {
	store   store.Store
	metrics metrics.Publisher
	retry   store.RetryPolicy
	logger  *slog.Logger
}

// NewEngine creates an ingestion engine.
func NewEngine(s store.Store, pub metrics.Publisher, logger *slog.Logger) *Engine {
	if s == nil {
		panic("NewEngine: store must not be nil")
	}
	if pub == nil {
		panic("NewEngine: metrics publisher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   s,
		metrics: pub,
		retry:   store.DefaultRetryPolicy(),
		logger:  logger,
	}
}

// errorGroup is one unique code within a single event, with its
// occurrence count and the first observed details.
type errorGroup struct {
	code        string
	occurrences int64
	details     map[string]any
}

// Ingest records the event's errors and emits the phase metric. The
// FailedExecution and its links commit atomically; ErrorRecord totals
// converge through separate idempotent writes.
func (e *Engine) Ingest(ctx context.Context, ev *models.WorkflowEvent) error {
	if err := ev.Validate(); err != nil {
		return store.NewError(store.KindValidation, "Ingest", err)
	}

	if len(ev.Errors) > 0 {
		if err := e.ingestErrors(ctx, ev); err != nil {
			return err
		}
	}

	// One sample per event, errors or not. Publish failures propagate.
	return e.metrics.Publish(ctx, metrics.Sample{
		Phase:  ev.Phase,
		County: ev.County,
		Status: ev.Status,
		Step:   ev.Step,
	})
}

func (e *Engine) ingestErrors(ctx context.Context, ev *models.WorkflowEvent) error {
	log := e.logger.With("execution_id", ev.ExecutionID, "county", ev.County)

	groups, err := groupErrors(ev.Errors)
	if err != nil {
		return err
	}
	if err := store.ValidateSegment("county", ev.County); err != nil {
		return err
	}
	dominant := dominantErrorType(groups)

	// Pre-read the execution and its links so the counter deltas and
	// the predicted post-increment openErrorCount can be computed
	// before the transaction.
	var curOpen int64
	execKey := store.ExecutionKey(ev.ExecutionID)
	if cur, err := e.store.GetItem(ctx, execKey); err == nil {
		curOpen = cur.Counter("openErrorCount")
	} else if !store.IsKind(err, store.KindNotFound) {
		return err
	}

	linkKeys := make([]store.Key, 0, len(groups))
	for _, g := range groups {
		linkKeys = append(linkKeys, store.LinkKey(ev.ExecutionID, g.code))
	}
	existing, err := e.store.BatchGet(ctx, linkKeys)
	if err != nil {
		return err
	}
	existingLinks := make(map[string]bool, len(existing))
	for _, it := range existing {
		existingLinks[it.SK] = true
	}

	var newLinks, totalOccurrences int64
	for _, g := range groups {
		totalOccurrences += g.occurrences
		if !existingLinks[store.LinkKey(ev.ExecutionID, g.code).SK] {
			newLinks++
		}
	}
	predictedOpen := curOpen + newLinks

	items := make([]store.TransactItem, 0, len(groups)+1)
	items = append(items, store.TransactItem{
		Key:    execKey,
		Update: e.executionUpdate(ev, dominant, newLinks, totalOccurrences, predictedOpen),
	})
	for _, g := range groups {
		items = append(items, store.TransactItem{
			Key:    store.LinkKey(ev.ExecutionID, g.code),
			Update: linkUpdate(ev, g, existingLinks[store.LinkKey(ev.ExecutionID, g.code).SK]),
		})
	}

	if err := e.transactChunked(ctx, ingestToken(ev.Token(), ""), items); err != nil {
		return fmt.Errorf("failed to record execution %s: %w", ev.ExecutionID, err)
	}

	// ErrorRecord totals cannot ride in the same transaction: their
	// GSI2/GSI3 sort keys need the post-increment totalCount, and the
	// platform forbids touching one item twice per transaction. Each
	// code gets its own idempotent increment plus a follow-up index
	// rewrite from the observed total.
	for _, g := range groups {
		if err := e.bumpErrorRecord(ctx, ev, g); err != nil {
			return err
		}
	}

	log.Info("ingested workflow errors",
		"unique_codes", len(groups),
		"occurrences", totalOccurrences,
		"new_links", newLinks,
		"error_type", dominant)
	return nil
}

func (e *Engine) executionUpdate(ev *models.WorkflowEvent, dominant string, newLinks, occurrences, predictedOpen int64) *store.Update {
	set := map[string]any{
		"executionId": ev.ExecutionID,
		"county":      ev.County,
		"errorType":   dominant,
		"status":      models.ErrorStatusFailed,
	}
	if ev.PreparedS3Uri != "" {
		set["preparedS3Uri"] = ev.PreparedS3Uri
	}
	if ev.ErrorsS3Uri != "" {
		set["errorsS3Uri"] = ev.ErrorsS3Uri
	}
	if ev.SourceBucket != "" {
		set["sourceBucket"] = ev.SourceBucket
		set["sourceKey"] = ev.SourceKey
	}
	if ev.TaskToken != "" {
		set["taskToken"] = ev.TaskToken
	}
	upd := &store.Update{
		EntityType: store.EntityFailedExecution,
		Upsert:     true,
		Set:        set,
		Add: map[string]int64{
			"uniqueErrorCount": newLinks,
			"totalOccurrences": occurrences,
			"openErrorCount":   newLinks,
		},
		Index: &store.IndexKeys{
			GSI1PK: store.PartitionErrorCount,
			GSI1SK: store.ExecutionCountSK(predictedOpen, ev.ExecutionID),
		},
	}
	if dominant == "" {
		// A mixed-type event demotes the execution out of the typed
		// index; leaving the old key would strand a stale count there.
		upd.ClearIndex = []store.Index{store.Index3}
	} else {
		upd.Index.GSI3PK = store.PartitionErrorCount
		upd.Index.GSI3SK = store.ExecutionTypedCountSK(dominant, store.StatusTokenFailed, predictedOpen, ev.ExecutionID)
	}
	return upd
}

func linkUpdate(ev *models.WorkflowEvent, g errorGroup, exists bool) *store.Update {
	upd := &store.Update{
		EntityType: store.EntityExecutionErrorLink,
		Upsert:     true,
		Add:        map[string]int64{"occurrences": g.occurrences},
		Index: &store.IndexKeys{
			GSI1PK: "ERROR#" + g.code,
			GSI1SK: "EXECUTION#" + ev.ExecutionID,
		},
	}
	if !exists {
		// Attributes are written once; later events only add
		// occurrences so a link flipped to maybeSolved keeps its
		// status until the mutator owns the transition.
		upd.Set = map[string]any{
			"executionId":  ev.ExecutionID,
			"errorCode":    g.code,
			"county":       ev.County,
			"status":       models.ErrorStatusFailed,
			"errorDetails": g.details,
		}
	}
	return upd
}

// bumpErrorRecord increments one ErrorRecord's totalCount and then
// rewrites its count-ordered sort keys from the post-increment value.
func (e *Engine) bumpErrorRecord(ctx context.Context, ev *models.WorkflowEvent, g errorGroup) error {
	key := store.ErrorKey(g.code)

	var isNew bool
	if _, err := e.store.GetItem(ctx, key); err != nil {
		if !store.IsKind(err, store.KindNotFound) {
			return err
		}
		isNew = true
	}

	upd := &store.Update{
		EntityType: store.EntityErrorRecord,
		Upsert:     true,
		Add:        map[string]int64{"totalCount": g.occurrences},
		Index: &store.IndexKeys{
			GSI1PK: store.PartitionTypeError,
			GSI1SK: "ERROR#" + g.code,
		},
	}
	if isNew {
		upd.Set = map[string]any{
			"errorCode":    g.code,
			"errorType":    errcode.TypeOf(g.code),
			"status":       models.ErrorStatusFailed,
			"errorDetails": g.details,
		}
	}

	token := ingestToken(ev.Token(), g.code)
	err := store.WithRetry(ctx, e.retry, func() error {
		return e.store.TransactWrite(ctx, token, []store.TransactItem{{Key: key, Update: upd}})
	})
	if err != nil {
		return fmt.Errorf("failed to increment error record %s: %w", g.code, err)
	}

	return store.WithRetry(ctx, e.retry, func() error {
		return e.rewriteErrorIndexes(ctx, g.code)
	})
}

func (e *Engine) rewriteErrorIndexes(ctx context.Context, code string) error {
	rec, err := e.store.GetItem(ctx, store.ErrorKey(code))
	if err != nil {
		return err
	}
	status := store.StatusToken(rec.Attr("status"))
	total := rec.Counter("totalCount")
	_, err = e.store.UpdateItem(ctx, rec.Key, store.Update{
		Index: &store.IndexKeys{
			GSI2PK: store.PartitionTypeError,
			GSI2SK: store.ErrorCountSK(status, total, code),
			GSI3PK: store.PartitionErrorCountError,
			GSI3SK: store.ErrorTypedCountSK(errcode.TypeOf(code), status, total, code),
		},
	})
	return err
}

// transactChunked splits the items into platform-sized transactions.
// Chunk tokens get a positional suffix so partial replays stay no-ops.
func (e *Engine) transactChunked(ctx context.Context, token string, items []store.TransactItem) error {
	for i := 0; len(items) > 0; i++ {
		n := len(items)
		if n > store.MaxTransactItems {
			n = store.MaxTransactItems
		}
		chunk := items[:n]
		items = items[n:]

		chunkToken := token
		if chunkToken != "" && (i > 0 || len(items) > 0) {
			chunkToken = fmt.Sprintf("%s#%d", token, i)
		}
		err := store.WithRetry(ctx, e.retry, func() error {
			return e.store.TransactWrite(ctx, chunkToken, chunk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// groupErrors collapses the event's error list by code, preserving
// first-seen order and first-seen details.
func groupErrors(errs []models.EventError) ([]errorGroup, error) {
	byCode := make(map[string]int, len(errs))
	var groups []errorGroup
	for _, ee := range errs {
		if err := store.ValidateSegment("code", ee.Code); err != nil {
			return nil, err
		}
		if idx, ok := byCode[ee.Code]; ok {
			groups[idx].occurrences++
			continue
		}
		byCode[ee.Code] = len(groups)
		groups = append(groups, errorGroup{code: ee.Code, occurrences: 1, details: ee.Details})
	}
	return groups, nil
}

// dominantErrorType returns the shared type prefix of the event's
// codes, or "" when they disagree.
func dominantErrorType(groups []errorGroup) string {
	var dominant string
	for i, g := range groups {
		typ := errcode.TypeOf(g.code)
		if i == 0 {
			dominant = typ
			continue
		}
		if typ != dominant {
			return ""
		}
	}
	return dominant
}

func ingestToken(eventID, code string) string {
	if eventID == "" {
		return ""
	}
	if code == "" {
		return "ingest#" + eventID
	}
	return "ingest#" + eventID + "#" + code
}
