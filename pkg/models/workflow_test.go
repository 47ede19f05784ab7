package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Bucket
	}{
		{"SCHEDULED", BucketInProgress},
		{"RUNNING", BucketInProgress},
		{"IN_PROGRESS", BucketInProgress},
		{"COMPLETED", BucketSucceeded},
		{"SUCCEEDED", BucketSucceeded},
		{"FAILED", BucketFailed},
		{"PARKED", BucketFailed},
		{"running", BucketInProgress},
		{" failed ", BucketFailed},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeStatus(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NormalizeStatus("EXPLODED")
	require.Error(t, err)
	_, err = NormalizeStatus("")
	require.Error(t, err)
}

func TestWorkflowEvent_Validate(t *testing.T) {
	valid := WorkflowEvent{
		ExecutionID: "E1",
		County:      "palmbeach",
		Phase:       "prepare",
		Step:        "download",
		Status:      "FAILED",
		Errors:      []EventError{{Code: "01256"}},
	}
	require.NoError(t, valid.Validate())

	t.Run("missing execution id", func(t *testing.T) {
		e := valid
		e.ExecutionID = ""
		assert.Error(t, e.Validate())
	})
	t.Run("missing county", func(t *testing.T) {
		e := valid
		e.County = ""
		assert.Error(t, e.Validate())
	})
	t.Run("missing step", func(t *testing.T) {
		e := valid
		e.Step = ""
		assert.Error(t, e.Validate())
	})
	t.Run("unknown status", func(t *testing.T) {
		e := valid
		e.Status = "MAYBE"
		assert.Error(t, e.Validate())
	})
	t.Run("empty error code", func(t *testing.T) {
		e := valid
		e.Errors = []EventError{{Code: ""}}
		assert.Error(t, e.Validate())
	})
}

func TestCounterFor(t *testing.T) {
	assert.Equal(t, "inProgressCount", CounterFor(BucketInProgress))
	assert.Equal(t, "succeededCount", CounterFor(BucketSucceeded))
	assert.Equal(t, "failedCount", CounterFor(BucketFailed))
}
