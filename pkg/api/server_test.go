package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-data/oversight/pkg/busqueue"
	"github.com/elephant-data/oversight/pkg/ingest"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/mutate"
	"github.com/elephant-data/oversight/pkg/selector"
	"github.com/elephant-data/oversight/pkg/state"
	"github.com/elephant-data/oversight/pkg/store"
)

func newTestHandler(t *testing.T) *gin.Engine {
	t.Helper()
	errStore := store.NewMemory()
	stateStore := store.NewMemory()

	ing := ingest.NewEngine(errStore, metrics.NewRecorder(), nil)
	st := state.NewEngine(stateStore, nil)
	srv := NewServer(nil,
		busqueue.NewDispatcher(ing, st),
		selector.NewSelector(errStore, nil),
		mutate.NewMutator(errStore, nil),
		st, nil)
	return srv.Handler()
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func failedEvent(eventID, execID string, codes ...string) *models.WorkflowEvent {
	ev := &models.WorkflowEvent{
		EventID:     eventID,
		ExecutionID: execID,
		County:      "palmbeach",
		Phase:       "transform",
		Step:        "validate",
		Status:      "FAILED",
	}
	for _, code := range codes {
		ev.Errors = append(ev.Errors, models.EventError{Code: code})
	}
	return ev
}

func TestEventLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	w := postJSON(t, h, "/api/v1/events", failedEvent("ev1", "E1", "12201", "12203"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = postJSON(t, h, "/api/v1/events", failedEvent("ev2", "E2", "12201"))
	require.Equal(t, http.StatusAccepted, w.Code)

	t.Run("pick most returns the noisier execution", func(t *testing.T) {
		w := get(h, "/api/v1/executions/pick?order=most")
		require.Equal(t, http.StatusOK, w.Code)
		var sel selector.Selection
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
		assert.Equal(t, "E1", sel.Execution.ExecutionID)
		assert.Len(t, sel.Errors, 2)
	})

	t.Run("get execution and its errors", func(t *testing.T) {
		w := get(h, "/api/v1/executions/E2")
		require.Equal(t, http.StatusOK, w.Code)

		w = get(h, "/api/v1/executions/E2/errors")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Errors []models.ExecutionError `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Errors, 1)
		assert.Equal(t, "12201", body.Errors[0].ErrorCode)
	})

	t.Run("execution state tracks the failure", func(t *testing.T) {
		w := get(h, "/api/v1/executions/E1/state")
		require.Equal(t, http.StatusOK, w.Code)
		var st models.ExecutionState
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, models.BucketFailed, st.Bucket)
	})

	t.Run("aggregates count both executions", func(t *testing.T) {
		w := get(h, "/api/v1/aggregates?county=palmbeach")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Aggregates []models.StepAggregate `json:"aggregates"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Aggregates, 1)
		assert.Equal(t, int64(2), body.Aggregates[0].FailedCount)
	})

	t.Run("mark solved cascades the code", func(t *testing.T) {
		w := postJSON(t, h, "/api/v1/errors/mark-solved", map[string]any{
			"codes":  []string{"12201"},
			"county": "palmbeach",
		})
		require.Equal(t, http.StatusOK, w.Code)

		// E2's only error was 12201, so E2 is gone.
		w = get(h, "/api/v1/executions/E2")
		assert.Equal(t, http.StatusNotFound, w.Code)

		// E1 still holds its 12203 error.
		w = get(h, "/api/v1/executions/E1")
		require.Equal(t, http.StatusOK, w.Code)
		var exec models.FailedExecution
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
		assert.Equal(t, int64(1), exec.OpenErrorCount)
	})

	t.Run("delete execution", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/executions/E1", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusNoContent, w.Code)

		w = get(h, "/api/v1/executions/pick?order=most")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMarkUnrecoverableEndpoint(t *testing.T) {
	h := newTestHandler(t)
	w := postJSON(t, h, "/api/v1/events", failedEvent("ev1", "E1", "13101"))
	require.Equal(t, http.StatusAccepted, w.Code)

	t.Run("rejects ambiguous request", func(t *testing.T) {
		w := postJSON(t, h, "/api/v1/errors/mark-unrecoverable", map[string]any{
			"code": "13101", "executionId": "E1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects empty request", func(t *testing.T) {
		w := postJSON(t, h, "/api/v1/errors/mark-unrecoverable", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("by execution", func(t *testing.T) {
		w := postJSON(t, h, "/api/v1/errors/mark-unrecoverable", map[string]any{
			"executionId": "E1",
		})
		require.Equal(t, http.StatusOK, w.Code)

		w = get(h, "/api/v1/executions/E1")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRequestValidation(t *testing.T) {
	h := newTestHandler(t)

	t.Run("malformed event", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader([]byte("{not json")))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("event with unknown status", func(t *testing.T) {
		ev := failedEvent("ev1", "E1")
		ev.Status = "EXPLODED"
		w := postJSON(t, h, "/api/v1/events", ev)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown pick order", func(t *testing.T) {
		w := get(h, "/api/v1/executions/pick?order=sideways")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("aggregates without county", func(t *testing.T) {
		w := get(h, "/api/v1/aggregates")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("mark solved without county", func(t *testing.T) {
		w := postJSON(t, h, "/api/v1/errors/mark-solved", map[string]any{"codes": []string{"10101"}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("health without database", func(t *testing.T) {
		w := get(h, "/health")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
