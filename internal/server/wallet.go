package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/fanbeam/tokenledger/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

type createPurchaseRequest struct {
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
}

// CreatePurchase credits purchased tokens to the caller's account. The
// payment processor reference doubles as the idempotency handle, so a
// replayed callback credits once.
func (s *Server) CreatePurchase(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	externalRef := strings.TrimSpace(req.ExternalRef)
	if externalRef == "" {
		AbortWithError(c, newValidationError("external_ref", "required", "external_ref is required"))
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.ledgerSvc.CreateAccount(ctx, userID); err != nil {
		AbortWithError(c, err)
		return
	}

	transactions, err := s.ledgerSvc.Apply(ctx, []ledgerdomain.Draft{{
		AccountID:   userID,
		Amount:      req.Amount,
		Type:        ledgerdomain.TypePurchase,
		RefID:       "purchase:" + externalRef,
		ExternalRef: &externalRef,
	}})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

type createTipRequest struct {
	CreatorID string `json:"creator_id"`
	Amount    int64  `json:"amount"`
	Ref       string `json:"ref"`
}

// CreateTip moves tokens from the caller to a creator as a balanced
// tip_out/tip_in pair. A client-supplied ref makes retries safe.
func (s *Server) CreateTip(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createTipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	creatorID, err := snowflake.ParseString(strings.TrimSpace(req.CreatorID))
	if err != nil || creatorID == 0 {
		AbortWithError(c, newValidationError("creator_id", "invalid_creator", "invalid creator_id"))
		return
	}
	if creatorID == userID {
		AbortWithError(c, newValidationError("creator_id", "self_tip", "cannot tip yourself"))
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}

	refID := strings.TrimSpace(req.Ref)
	if refID == "" {
		refID = "tip:" + s.genID.Generate().String()
	}

	ctx := c.Request.Context()
	if _, err := s.ledgerSvc.CreateAccount(ctx, creatorID); err != nil {
		AbortWithError(c, err)
		return
	}

	transactions, err := s.ledgerSvc.Apply(ctx, []ledgerdomain.Draft{
		{AccountID: userID, Amount: -req.Amount, Type: ledgerdomain.TypeTipOut, RefID: refID},
		{AccountID: creatorID, Amount: req.Amount, Type: ledgerdomain.TypeTipIn, RefID: refID},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.ledgerSvc.Balance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": userID.String(),
		"balance":    balance,
	}})
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		limit = parsed
	}

	transactions, err := s.ledgerSvc.AccountTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}
