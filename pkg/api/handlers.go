package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/selector"
)

// postEvent accepts one workflow event and runs ingestion and state
// tracking over it, exactly as the queue consumer would. Events
// submitted without an ID get one here so their writes carry
// idempotency tokens.
func (s *Server) postEvent(c *gin.Context) {
	var ev models.WorkflowEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload: " + err.Error()})
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if err := s.dispatcher.HandleEvent(c.Request.Context(), &ev); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"eventId": ev.EventID, "executionId": ev.ExecutionID})
}

// pickExecution returns the execution at one end of the
// open-error-count order, with its full error set.
func (s *Server) pickExecution(c *gin.Context) {
	order, err := selector.ParseOrder(c.DefaultQuery("order", string(selector.OrderMost)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sel, err := s.selector.Pick(c.Request.Context(), order, c.Query("error_type"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sel == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no failed execution matches"})
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.selector.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if exec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) getExecutionErrors(c *gin.Context) {
	errs, err := s.selector.ExecutionErrors(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executionId": c.Param("id"), "errors": errs})
}

func (s *Server) getExecutionState(c *gin.Context) {
	st, err := s.state.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution state not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) deleteExecution(c *gin.Context) {
	if err := s.mutator.DeleteExecution(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type markSolvedRequest struct {
	Codes  []string `json:"codes" binding:"required,min=1"`
	County string   `json:"county" binding:"required"`
}

func (s *Server) markSolved(c *gin.Context) {
	var req markSolvedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := s.mutator.MarkSolvedForCodes(c.Request.Context(), req.Codes, req.County); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"codes": req.Codes, "status": models.ErrorStatusMaybeSolved})
}

type markUnrecoverableRequest struct {
	Code        string `json:"code"`
	ExecutionID string `json:"executionId"`
}

// markUnrecoverable flips either one error code across all executions
// or all errors of one execution, depending on which field is set.
func (s *Server) markUnrecoverable(c *gin.Context) {
	var req markUnrecoverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	switch {
	case req.Code != "" && req.ExecutionID != "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "set either code or executionId, not both"})
		return
	case req.Code != "":
		if err := s.mutator.MarkUnrecoverableForCode(c.Request.Context(), req.Code); err != nil {
			s.respondError(c, err)
			return
		}
	case req.ExecutionID != "":
		if err := s.mutator.MarkUnrecoverableForExecution(c.Request.Context(), req.ExecutionID); err != nil {
			s.respondError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either code or executionId is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ErrorStatusMaybeUnrecoverable})
}

func (s *Server) getAggregates(c *gin.Context) {
	county := c.Query("county")
	if county == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "county is required"})
		return
	}
	aggs, err := s.state.ListAggregates(c.Request.Context(), county, c.Query("data_group"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"county": county, "aggregates": aggs})
}
