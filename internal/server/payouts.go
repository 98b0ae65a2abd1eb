package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type triggerPayoutRunRequest struct {
	CycleDate string `json:"cycle_date"`
}

// TriggerPayoutRun starts (or returns) the payout run for a cycle. The
// operator can omit cycle_date to mean the current cycle.
func (s *Server) TriggerPayoutRun(c *gin.Context) {
	var req triggerPayoutRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	detail, err := s.payoutSvc.TriggerRun(c.Request.Context(), strings.TrimSpace(req.CycleDate))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

func (s *Server) GetPayoutRunStatus(c *gin.Context) {
	runID, err := snowflake.ParseString(strings.TrimSpace(c.Param("runId")))
	if err != nil || runID == 0 {
		AbortWithError(c, newValidationError("runId", "invalid_run_id", "invalid run id"))
		return
	}

	detail, err := s.payoutSvc.RunStatus(c.Request.Context(), runID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": detail})
}

func (s *Server) GetPayoutHealth(c *gin.Context) {
	health, err := s.payoutSvc.Health(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": health})
}

type registerPayeeRequest struct {
	RailAccountID string `json:"rail_account_id"`
}

func (s *Server) RegisterPayee(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req registerPayeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payee, err := s.payoutSvc.RegisterPayee(c.Request.Context(), userID, strings.TrimSpace(req.RailAccountID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payee})
}

type payoutIntentRequest struct {
	CycleDate string `json:"cycle_date"`
}

func (s *Server) SetPayoutIntent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req payoutIntentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	intent, err := s.payoutSvc.SetIntent(c.Request.Context(), userID, strings.TrimSpace(req.CycleDate))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": intent})
}

// CancelPayoutIntent opts the caller out of a payout cycle; their
// balance rolls forward instead of paying out.
func (s *Server) CancelPayoutIntent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	cycleDate := strings.TrimSpace(c.Query("cycle_date"))
	if err := s.payoutSvc.CancelIntent(c.Request.Context(), userID, cycleDate); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "cancelled"}})
}
