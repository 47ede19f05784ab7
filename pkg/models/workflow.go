package models

import (
	"fmt"
	"strings"
	"time"
)

// Raw event statuses accepted on the bus.
const (
	RawStatusScheduled  = "SCHEDULED"
	RawStatusInProgress = "IN_PROGRESS"
	RawStatusRunning    = "RUNNING"
	RawStatusSucceeded  = "SUCCEEDED"
	RawStatusCompleted  = "COMPLETED"
	RawStatusFailed     = "FAILED"
	RawStatusParked     = "PARKED"
)

// Bucket is the normalized 3-state lifecycle label kept in
// ExecutionState and counted by StepAggregate cells.
type Bucket string

const (
	BucketInProgress Bucket = "IN_PROGRESS"
	BucketFailed     Bucket = "FAILED"
	BucketSucceeded  Bucket = "SUCCEEDED"
)

// Error lifecycle statuses carried on FailedExecution, ErrorRecord and
// ExecutionErrorLink rows. Sort keys carry the uppercase form.
const (
	ErrorStatusFailed             = "failed"
	ErrorStatusMaybeSolved        = "maybeSolved"
	ErrorStatusMaybeUnrecoverable = "maybeUnrecoverable"
)

// NormalizeStatus maps a raw event status onto its bucket.
// SCHEDULED and RUNNING collapse into IN_PROGRESS, COMPLETED into
// SUCCEEDED; the three bucket names map to themselves.
func NormalizeStatus(raw string) (Bucket, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case RawStatusScheduled, RawStatusRunning, RawStatusInProgress:
		return BucketInProgress, nil
	case RawStatusCompleted, RawStatusSucceeded:
		return BucketSucceeded, nil
	case RawStatusFailed, RawStatusParked:
		return BucketFailed, nil
	default:
		return "", fmt.Errorf("unknown workflow status %q", raw)
	}
}

// EventError is one error instance carried by a workflow event.
type EventError struct {
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// WorkflowEvent is the inbound bus message: one execution reporting a
// (phase, step, status) transition, possibly with errors attached.
type WorkflowEvent struct {
	EventID        string       `json:"eventId,omitempty"`
	ExecutionID    string       `json:"executionId"`
	County         string       `json:"county"`
	DataGroupLabel string       `json:"dataGroupLabel,omitempty"`
	Phase          string       `json:"phase"`
	Step           string       `json:"step"`
	Status         string       `json:"status"`
	TaskToken      string       `json:"taskToken,omitempty"`
	PreparedS3Uri  string       `json:"preparedS3Uri,omitempty"`
	ErrorsS3Uri    string       `json:"errorsS3Uri,omitempty"`
	SourceBucket   string       `json:"sourceBucket,omitempty"`
	SourceKey      string       `json:"sourceKey,omitempty"`
	Errors         []EventError `json:"errors,omitempty"`
}

// Validate checks the fields every consumer depends on. Errors with an
// empty code are rejected here rather than deep inside ingestion.
func (e *WorkflowEvent) Validate() error {
	if e.ExecutionID == "" {
		return fmt.Errorf("event missing executionId")
	}
	if e.County == "" {
		return fmt.Errorf("event missing county")
	}
	if e.Phase == "" || e.Step == "" {
		return fmt.Errorf("event %s missing phase or step", e.ExecutionID)
	}
	if _, err := NormalizeStatus(e.Status); err != nil {
		return fmt.Errorf("event %s: %w", e.ExecutionID, err)
	}
	for i, ee := range e.Errors {
		if ee.Code == "" {
			return fmt.Errorf("event %s: error %d has empty code", e.ExecutionID, i)
		}
	}
	return nil
}

// Token returns the idempotency token for this event's writes, or ""
// when the event carries no ID (direct calls in tests).
func (e *WorkflowEvent) Token() string {
	return e.EventID
}

// FailedExecution is the read-side projection of one failed execution.
type FailedExecution struct {
	ExecutionID      string    `json:"executionId"`
	County           string    `json:"county"`
	ErrorType        string    `json:"errorType,omitempty"`
	Status           string    `json:"status"`
	UniqueErrorCount int64     `json:"uniqueErrorCount"`
	TotalOccurrences int64     `json:"totalOccurrences"`
	OpenErrorCount   int64     `json:"openErrorCount"`
	PreparedS3Uri    string    `json:"preparedS3Uri,omitempty"`
	ErrorsS3Uri      string    `json:"errorsS3Uri,omitempty"`
	SourceBucket     string    `json:"sourceBucket,omitempty"`
	SourceKey        string    `json:"sourceKey,omitempty"`
	TaskToken        string    `json:"taskToken,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ExecutionError is one link row: an error code as it occurred under
// one execution.
type ExecutionError struct {
	ExecutionID string         `json:"executionId"`
	ErrorCode   string         `json:"errorCode"`
	County      string         `json:"county"`
	Status      string         `json:"status"`
	Occurrences int64          `json:"occurrences"`
	Details     map[string]any `json:"details,omitempty"`
}

// ErrorRecord is the system-wide record of one error code.
type ErrorRecord struct {
	ErrorCode    string         `json:"errorCode"`
	ErrorType    string         `json:"errorType"`
	Status       string         `json:"status"`
	TotalCount   int64          `json:"totalCount"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ExecutionState is the latest observed (phase, step, bucket) of one
// execution.
type ExecutionState struct {
	ExecutionID    string    `json:"executionId"`
	County         string    `json:"county"`
	DataGroupLabel string    `json:"dataGroupLabel,omitempty"`
	Phase          string    `json:"phase"`
	Step           string    `json:"step"`
	Bucket         Bucket    `json:"bucket"`
	RawStatus      string    `json:"rawStatus"`
	Version        int64     `json:"version"`
	LastEventTime  time.Time `json:"lastEventTime"`
}

// StepAggregate is one (county, dataGroup, phase, step) counter cell.
type StepAggregate struct {
	County          string `json:"county"`
	DataGroupLabel  string `json:"dataGroupLabel"`
	Phase           string `json:"phase"`
	Step            string `json:"step"`
	InProgressCount int64  `json:"inProgressCount"`
	FailedCount     int64  `json:"failedCount"`
	SucceededCount  int64  `json:"succeededCount"`
}

// CounterFor returns the aggregate counter name for a bucket.
func CounterFor(b Bucket) string {
	switch b {
	case BucketInProgress:
		return "inProgressCount"
	case BucketSucceeded:
		return "succeededCount"
	default:
		return "failedCount"
	}
}
