package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
)

// @Summary      Get credit balance
// @Description  Returns the balance, tier and recent ledger entries
// @Tags         credits
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  map[string]any
// @Router       /v1/credits [get]
func (s *Server) GetCredits(c *gin.Context) {
	account, ok := s.accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	// Re-read instead of trusting the cached auth snapshot so the balance
	// reflects mutations made since login.
	fresh, err := s.creditSvc.Get(ctx, account.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	transactions, err := s.creditSvc.ListTransactions(ctx, account.ID, 20)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":       fresh.Balance,
		"tier":          fresh.Tier,
		"daily_ceiling": fresh.DailyCeiling,
		"transactions":  transactions,
	})
}

type adminAdjustRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// @Summary      Adjust an account balance
// @Description  Applies a signed admin adjustment to an account
// @Tags         admin
// @Accept       json
// @Produce      json
// @Security     AdminKeyAuth
// @Param        request  body  adminAdjustRequest  true  "Adjustment"
// @Success      200  {object}  map[string]any
// @Router       /admin/credits/adjust [post]
func (s *Server) AdminAdjustCredits(c *gin.Context) {
	var req adminAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	raw := strings.TrimSpace(req.AccountID)
	if raw == "" {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "account_id is required"))
		return
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "account_id must be numeric"))
		return
	}

	detail := map[string]any{"source": "admin_api"}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		detail["reason"] = reason
	}

	result, err := s.creditSvc.Adjust(c.Request.Context(), snowflake.ID(parsed), req.Delta, creditdomain.KindAdminAdjust, detail)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":        result.NewBalance,
		"transaction_id": result.TransactionID.String(),
	})
}
