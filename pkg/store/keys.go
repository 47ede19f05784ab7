package store

import (
	"fmt"
	"strings"
)

// Key and sort-key vocabulary. Numeric segments are zero-padded to a
// fixed width so lexicographic order over sort keys equals numeric
// order. Segment values must not contain the '#' delimiter.

// PadWidth is the fixed width of numeric sort-key segments.
const PadWidth = 10

// Index partition literals.
const (
	PartitionErrorCount      = "METRIC#ERRORCOUNT"
	PartitionErrorCountError = "METRIC#ERRORCOUNT#ERROR"
	PartitionTypeError       = "TYPE#ERROR"
)

// Entity type names stored on items.
const (
	EntityFailedExecution    = "FailedExecution"
	EntityErrorRecord        = "ErrorRecord"
	EntityExecutionErrorLink = "ExecutionErrorLink"
	EntityExecutionState     = "ExecutionState"
	EntityStepAggregate      = "StepAggregate"
)

// Status tokens as embedded in sort keys (uppercase, no spaces).
const (
	StatusTokenFailed              = "FAILED"
	StatusTokenMaybeSolved         = "MAYBESOLVED"
	StatusTokenMaybeUnrecoverable  = "MAYBEUNRECOVERABLE"
)

// Pad10 renders n as a fixed-width decimal string. Negative values are
// clamped to zero; counters guarded by conditions never go below zero,
// and a clamped key still sorts first.
func Pad10(n int64) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%0*d", PadWidth, n)
}

// ExecutionKey returns the primary key of a FailedExecution (and of an
// ExecutionState in the state table).
func ExecutionKey(execID string) Key {
	pk := "EXECUTION#" + execID
	return Key{PK: pk, SK: pk}
}

// ErrorKey returns the primary key of an ErrorRecord.
func ErrorKey(code string) Key {
	pk := "ERROR#" + code
	return Key{PK: pk, SK: pk}
}

// LinkKey returns the primary key of an ExecutionErrorLink.
func LinkKey(execID, code string) Key {
	return Key{PK: "EXECUTION#" + execID, SK: "ERROR#" + code}
}

// AggregateKey returns the primary key of a StepAggregate cell.
func AggregateKey(county, dataGroup, phase, step string) Key {
	return Key{
		PK: "AGG#COUNTY#" + county + "#DG#" + dataGroup,
		SK: "PHASE#" + phase + "#STEP#" + step,
	}
}

// ExecutionCountSK builds the GSI1 sort key of a FailedExecution:
// COUNT#<pad10(openErrorCount)>#EXECUTION#<execID>.
func ExecutionCountSK(openErrorCount int64, execID string) string {
	return "COUNT#" + Pad10(openErrorCount) + "#EXECUTION#" + execID
}

// ExecutionTypedCountSK builds the GSI3 sort key of a FailedExecution:
// COUNT#<errorType>#<STATUS>#<pad10(openErrorCount)>#EXECUTION#<execID>.
func ExecutionTypedCountSK(errorType, statusToken string, openErrorCount int64, execID string) string {
	return "COUNT#" + errorType + "#" + statusToken + "#" + Pad10(openErrorCount) + "#EXECUTION#" + execID
}

// ErrorCountSK builds the GSI2 sort key of an ErrorRecord:
// COUNT#<STATUS>#<pad10(totalCount)>#ERROR#<code>.
func ErrorCountSK(statusToken string, totalCount int64, code string) string {
	return "COUNT#" + statusToken + "#" + Pad10(totalCount) + "#ERROR#" + code
}

// ErrorTypedCountSK builds the GSI3 sort key of an ErrorRecord:
// COUNT#<errorType>#<STATUS>#<pad10(totalCount)>#ERROR#<code>.
func ErrorTypedCountSK(errorType, statusToken string, totalCount int64, code string) string {
	return "COUNT#" + errorType + "#" + statusToken + "#" + Pad10(totalCount) + "#ERROR#" + code
}

// StatusToken maps a lifecycle status to its sort-key token.
// Unknown statuses map to their uppercased form.
func StatusToken(status string) string {
	switch status {
	case "failed":
		return StatusTokenFailed
	case "maybeSolved":
		return StatusTokenMaybeSolved
	case "maybeUnrecoverable":
		return StatusTokenMaybeUnrecoverable
	default:
		return strings.ToUpper(status)
	}
}

// ValidateSegment rejects key-segment values containing the delimiter.
func ValidateSegment(name, value string) error {
	if strings.Contains(value, "#") {
		return NewError(KindValidation, "key", fmt.Errorf("%s %q must not contain '#'", name, value))
	}
	return nil
}
