// Package selector answers "which execution should be repaired next":
// the one with the most or the fewest open errors, optionally narrowed
// to a single error type.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/store"
)

// Order is the explicit sort direction. The stored sort keys order by
// open-error count, so descending yields the worst execution and
// ascending the best.
type Order string

const (
	OrderMost  Order = "most"
	OrderLeast Order = "least"
)

// ParseOrder validates a caller-supplied sort order.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case OrderMost:
		return OrderMost, nil
	case OrderLeast:
		return OrderLeast, nil
	default:
		return "", fmt.Errorf("sort order must be %q or %q, got %q", OrderMost, OrderLeast, s)
	}
}

// Selection is one picked execution with its full error set.
type Selection struct {
	Execution models.FailedExecution
	Errors    []models.ExecutionError
}

// Selector reads the count-ordered indexes. It never writes.
type Selector struct {
	store  store.Store
	logger *slog.Logger
}

// NewSelector creates a selector.
func NewSelector(s store.Store, logger *slog.Logger) *Selector {
	if s == nil {
		panic("NewSelector: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: s, logger: logger}
}

// Pick returns the execution at the given end of the open-error-count
// order, or nil when no failed execution matches. A non-empty
// errorType narrows the scan to executions whose dominant type equals
// it.
func (s *Selector) Pick(ctx context.Context, order Order, errorType string) (*Selection, error) {
	if order != OrderMost && order != OrderLeast {
		return nil, store.NewError(store.KindValidation, "Pick",
			fmt.Errorf("invalid sort order %q", order))
	}
	errorType = strings.TrimSpace(errorType)

	in := store.QueryInput{
		Index:      store.Index1,
		Partition:  store.PartitionErrorCount,
		EntityType: store.EntityFailedExecution,
		Forward:    order == OrderLeast,
		Limit:      1,
	}
	if errorType != "" {
		if err := store.ValidateSegment("errorType", errorType); err != nil {
			return nil, err
		}
		in.Index = store.Index3
		in.SKPrefix = "COUNT#" + errorType + "#"
	}

	out, err := s.store.Query(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	exec := executionFromItem(&out.Items[0])

	errs, err := s.ExecutionErrors(ctx, exec.ExecutionID)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("picked execution",
		"execution_id", exec.ExecutionID,
		"order", string(order),
		"error_type", errorType,
		"open_errors", exec.OpenErrorCount)
	return &Selection{Execution: exec, Errors: errs}, nil
}

// ExecutionErrors paginates all links under one execution.
func (s *Selector) ExecutionErrors(ctx context.Context, executionID string) ([]models.ExecutionError, error) {
	var out []models.ExecutionError
	cursor := ""
	for {
		page, err := s.store.Query(ctx, store.QueryInput{
			Index:     store.IndexPrimary,
			Partition: store.ExecutionKey(executionID).PK,
			SKPrefix:  "ERROR#",
			Forward:   true,
			Limit:     100,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, err
		}
		for i := range page.Items {
			out = append(out, linkFromItem(&page.Items[i]))
		}
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// GetExecution fetches one FailedExecution row by ID, or nil when
// absent.
func (s *Selector) GetExecution(ctx context.Context, executionID string) (*models.FailedExecution, error) {
	it, err := s.store.GetItem(ctx, store.ExecutionKey(executionID))
	if err != nil {
		if store.IsKind(err, store.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	exec := executionFromItem(it)
	return &exec, nil
}

func executionFromItem(it *store.Item) models.FailedExecution {
	return models.FailedExecution{
		ExecutionID:      it.Attr("executionId"),
		County:           it.Attr("county"),
		ErrorType:        it.Attr("errorType"),
		Status:           it.Attr("status"),
		UniqueErrorCount: it.Counter("uniqueErrorCount"),
		TotalOccurrences: it.Counter("totalOccurrences"),
		OpenErrorCount:   it.Counter("openErrorCount"),
		PreparedS3Uri:    it.Attr("preparedS3Uri"),
		ErrorsS3Uri:      it.Attr("errorsS3Uri"),
		SourceBucket:     it.Attr("sourceBucket"),
		SourceKey:        it.Attr("sourceKey"),
		TaskToken:        it.Attr("taskToken"),
		CreatedAt:        it.CreatedAt,
		UpdatedAt:        it.UpdatedAt,
	}
}

func linkFromItem(it *store.Item) models.ExecutionError {
	link := models.ExecutionError{
		ExecutionID: it.Attr("executionId"),
		ErrorCode:   it.Attr("errorCode"),
		County:      it.Attr("county"),
		Status:      it.Attr("status"),
		Occurrences: it.Counter("occurrences"),
	}
	if d, ok := it.Attrs["errorDetails"].(map[string]any); ok {
		link.Details = d
	}
	return link
}
