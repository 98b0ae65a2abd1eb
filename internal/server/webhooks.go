package server

import (
	"errors"
	"io"
	"net/http"

	raildomain "github.com/fanbeam/tokenledger/internal/rail/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// HandleRailWebhook verifies, decodes, and applies a rail callback.
// Unknown event types are acknowledged so the rail stops redelivering
// them.
func (s *Server) HandleRailWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	if err := s.webhookParser.Verify(ctx, payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.webhookParser.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, raildomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "ignored"}})
			return
		}
		AbortWithError(c, err)
		return
	}

	if err := s.payoutSvc.ApplyRailEvent(ctx, event); err != nil {
		if errors.Is(err, raildomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "ignored"}})
			return
		}
		s.log.Error("failed to apply rail event",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "applied"}})
}
