package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/fanbeam/tokenledger/internal/session/domain"
	"github.com/gin-gonic/gin"
)

type startSessionRequest struct {
	SessionID     string `json:"session_id"`
	CreatorID     string `json:"creator_id"`
	RatePerMinute int64  `json:"rate_per_minute"`
}

// StartSession opens a metered call between the caller (the fan) and a
// creator. Replaying the same session_id returns the original session.
func (s *Server) StartSession(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	creatorID, err := snowflake.ParseString(strings.TrimSpace(req.CreatorID))
	if err != nil || creatorID == 0 {
		AbortWithError(c, newValidationError("creator_id", "invalid_creator", "invalid creator_id"))
		return
	}

	session, err := s.sessionSvc.Start(c.Request.Context(), sessiondomain.StartParams{
		SessionID:     strings.TrimSpace(req.SessionID),
		CreatorID:     creatorID,
		FanID:         userID,
		RatePerMinute: req.RatePerMinute,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

// EndSession settles the call. Either participant may end it; the first
// end wins and later attempts conflict.
func (s *Server) EndSession(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	settlement, err := s.sessionSvc.End(c.Request.Context(), sessionID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settlement})
}

func (s *Server) GetSession(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(c.Param("id"))
	session, err := s.sessionSvc.Get(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if session.CreatorID != userID && session.FanID != userID {
		AbortWithError(c, ErrForbidden)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}
