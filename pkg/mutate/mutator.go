// Package mutate performs the bulk error-status transitions: flipping
// links to maybeSolved or maybeUnrecoverable across every execution
// that shares an error code, keeping open-error counts and index keys
// consistent, and deleting executions whose last open error closes.
package mutate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elephant-data/oversight/pkg/errcode"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

const linkPageSize = 100

// Mutator owns all bulk status transitions on the error table.
type Mutator struct {
	store  store.Store
	retry  store.RetryPolicy
	logger *slog.Logger
}

// NewMutator creates a mutator.
func NewMutator(s store.Store, logger *slog.Logger) *Mutator {
	if s == nil {
		panic("NewMutator: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{store: s, retry: store.DefaultRetryPolicy(), logger: logger}
}

// MarkSolvedForCodes flips every still-failed link of the given codes
// to maybeSolved, across all executions, then flips the ErrorRecords
// themselves. Re-running with the same codes is a no-op.
func (m *Mutator) MarkSolvedForCodes(ctx context.Context, codes []string, county string) error {
	for _, code := range codes {
		if err := m.markCode(ctx, code, models.ErrorStatusMaybeSolved); err != nil {
			return err
		}
	}
	m.logger.Info("marked errors solved", "codes", strings.Join(codes, ","), "county", county)
	return nil
}

// MarkUnrecoverableForCode flips every still-failed link of one code
// to maybeUnrecoverable, plus the ErrorRecord.
func (m *Mutator) MarkUnrecoverableForCode(ctx context.Context, code string) error {
	return m.markCode(ctx, code, models.ErrorStatusMaybeUnrecoverable)
}

// MarkUnrecoverableForExecution flips every still-failed link of one
// execution to maybeUnrecoverable. ErrorRecords keep their status:
// other executions may still be failing with the same codes.
func (m *Mutator) MarkUnrecoverableForExecution(ctx context.Context, executionID string) error {
	links, err := m.executionLinks(ctx, executionID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Attr("status") != models.ErrorStatusFailed {
			continue
		}
		if _, err := m.flipLink(ctx, executionID, link.Attr("errorCode"), models.ErrorStatusMaybeUnrecoverable); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExecution removes the FailedExecution row and all its links.
// Deleting an absent execution is a no-op.
func (m *Mutator) DeleteExecution(ctx context.Context, executionID string) error {
	return m.cascadeDelete(ctx, executionID)
}

func (m *Mutator) markCode(ctx context.Context, code, newStatus string) error {
	if err := store.ValidateSegment("code", code); err != nil {
		return err
	}

	// Reverse index: every execution linked to this code.
	cursor := ""
	for {
		page, err := m.store.Query(ctx, store.QueryInput{
			Index:     store.Index1,
			Partition: "ERROR#" + code,
			Forward:   true,
			Limit:     linkPageSize,
			Cursor:    cursor,
		})
		if err != nil {
			return err
		}
		for _, link := range page.Items {
			execID := strings.TrimPrefix(link.Index.GSI1SK, "EXECUTION#")
			if _, err := m.flipLink(ctx, execID, code, newStatus); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return m.flipErrorRecord(ctx, code, newStatus)
}

// flipLink moves one (execution, code) link out of failed status and
// decrements the execution's open-error count in the same transaction.
// The status and counter guards make a repeated flip a no-op, so the
// decrement can never run twice for one link. When the count reaches
// zero the execution and its links are removed.
func (m *Mutator) flipLink(ctx context.Context, executionID, code, newStatus string) (bool, error) {
	execKey := store.ExecutionKey(executionID)
	linkKey := store.LinkKey(executionID, code)

	exec, err := m.store.GetItem(ctx, execKey)
	if err != nil {
		if store.IsKind(err, store.KindNotFound) {
			// Execution already deleted; nothing to flip.
			return false, nil
		}
		return false, err
	}
	remaining := exec.Counter("openErrorCount") - 1
	if remaining < 0 {
		remaining = 0
	}

	execUpd := &store.Update{
		Add:       map[string]int64{"openErrorCount": -1},
		Condition: &store.Condition{CounterGT: map[string]int64{"openErrorCount": 0}},
		Index: &store.IndexKeys{
			GSI1PK: store.PartitionErrorCount,
			GSI1SK: store.ExecutionCountSK(remaining, executionID),
		},
	}
	if typ := exec.Attr("errorType"); typ != "" {
		execUpd.Index.GSI3PK = store.PartitionErrorCount
		execUpd.Index.GSI3SK = store.ExecutionTypedCountSK(typ, store.StatusToken(exec.Attr("status")), remaining, executionID)
	} else {
		execUpd.ClearIndex = []store.Index{store.Index3}
	}

	items := []store.TransactItem{
		{Key: linkKey, Update: &store.Update{
			Set:       map[string]any{"status": newStatus},
			Condition: &store.Condition{AttrEQ: map[string]string{"status": models.ErrorStatusFailed}},
		}},
		{Key: execKey, Update: execUpd},
	}

	err = store.WithRetry(ctx, m.retry, func() error {
		return m.store.TransactWrite(ctx, "", items)
	})
	if err != nil {
		if store.IsKind(err, store.KindConditionFailed) || store.IsKind(err, store.KindNotFound) {
			// Already flipped by an earlier run.
			return false, nil
		}
		return false, err
	}

	if remaining == 0 {
		if err := m.cascadeDelete(ctx, executionID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// flipErrorRecord sets the record's status and rewrites its
// count-ordered sort keys under the new status token.
func (m *Mutator) flipErrorRecord(ctx context.Context, code, newStatus string) error {
	rec, err := m.store.GetItem(ctx, store.ErrorKey(code))
	if err != nil {
		if store.IsKind(err, store.KindNotFound) {
			return nil
		}
		return err
	}
	total := rec.Counter("totalCount")
	token := store.StatusToken(newStatus)
	_, err = m.store.UpdateItem(ctx, rec.Key, store.Update{
		Set: map[string]any{"status": newStatus},
		Index: &store.IndexKeys{
			GSI2PK: store.PartitionTypeError,
			GSI2SK: store.ErrorCountSK(token, total, code),
			GSI3PK: store.PartitionErrorCountError,
			GSI3SK: store.ErrorTypedCountSK(errcode.TypeOf(code), token, total, code),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update error record %s: %w", code, err)
	}
	return nil
}

func (m *Mutator) executionLinks(ctx context.Context, executionID string) ([]store.Item, error) {
	var out []store.Item
	cursor := ""
	for {
		page, err := m.store.Query(ctx, store.QueryInput{
			Index:     store.IndexPrimary,
			Partition: store.ExecutionKey(executionID).PK,
			SKPrefix:  "ERROR#",
			Forward:   true,
			Limit:     linkPageSize,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// cascadeDelete removes the execution row and every link under it.
func (m *Mutator) cascadeDelete(ctx context.Context, executionID string) error {
	links, err := m.executionLinks(ctx, executionID)
	if err != nil {
		return err
	}

	items := []store.TransactItem{{Key: store.ExecutionKey(executionID), Delete: true}}
	for _, link := range links {
		items = append(items, store.TransactItem{Key: link.Key, Delete: true})
	}

	for len(items) > 0 {
		n := len(items)
		if n > store.MaxTransactItems {
			n = store.MaxTransactItems
		}
		chunk := items[:n]
		items = items[n:]
		err := store.WithRetry(ctx, m.retry, func() error {
			return m.store.TransactWrite(ctx, "", chunk)
		})
		if err != nil {
			return err
		}
	}
	m.logger.Info("deleted execution", "execution_id", executionID, "links", len(links))
	return nil
}
