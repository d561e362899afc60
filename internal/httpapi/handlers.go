package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/credits"
)

type reserveRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

type purchaseRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
}

type cancelRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Cancel    *bool  `json:"cancel" binding:"required"`
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, 1<<20))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader(server.cfg.SignatureHeader)
	err = server.gateway.Ingest(ctx.Request.Context(), payload, signature)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, credits.ErrInvalidSignature), errors.Is(err, credits.ErrStaleTimestamp):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
	case errors.Is(err, credits.ErrInvalidEventPayload),
		errors.Is(err, credits.ErrInvalidEventType),
		errors.Is(err, credits.ErrInvalidSubscriptionStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
	case errors.Is(err, credits.ErrInvalidTransition):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_transition", err.Error()))
	default:
		server.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("processing_failed", "try again"))
	}
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, ok := server.boundAccountID(ctx, ctx.Param("id"))
	if !ok {
		return
	}
	account, err := server.service.Snapshot(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondServiceError(ctx, err, "snapshot failed")
		return
	}
	ctx.JSON(http.StatusOK, snapshotResponse(account))
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountID, ok := server.boundAccountID(ctx, ctx.Param("id"))
	if !ok {
		return
	}
	transactions, err := server.service.ListTransactions(ctx.Request.Context(), accountID, time.Time{}, 50)
	if err != nil {
		server.respondServiceError(ctx, err, "list failed")
		return
	}
	out := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		out = append(out, gin.H{
			"id":            transaction.TransactionID,
			"delta":         transaction.Delta.Int64(),
			"balance_after": transaction.BalanceAfter.Int64(),
			"kind":          transaction.Kind.String(),
			"created_at":    transaction.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (server *Server) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, ok := server.boundAccountID(ctx, request.AccountID)
	if !ok {
		return
	}
	amount, err := credits.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	reservation, err := server.service.Reserve(ctx.Request.Context(), accountID, amount)
	if err != nil {
		server.respondServiceError(ctx, err, "reserve failed")
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"reservation_id": reservation.ReservationID,
		"account_id":     reservation.AccountID,
		"amount":         reservation.Amount.Int64(),
		"status":         reservation.Status.String(),
		"expires_at":     reservation.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (server *Server) handleCommit(ctx *gin.Context) {
	server.resolveReservation(ctx, server.service.Commit)
}

func (server *Server) handleRollback(ctx *gin.Context) {
	server.resolveReservation(ctx, server.service.Rollback)
}

func (server *Server) resolveReservation(ctx *gin.Context, resolve func(ctx context.Context, id credits.ReservationID) error) {
	reservationID, err := credits.NewReservationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "missing reservation id"))
		return
	}
	if err := resolve(ctx.Request.Context(), reservationID); err != nil {
		server.respondServiceError(ctx, err, "resolve failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, ok := server.boundAccountID(ctx, request.AccountID)
	if !ok {
		return
	}
	amount, err := credits.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be positive"))
		return
	}
	if err := server.service.Purchase(ctx.Request.Context(), accountID, amount, request.PaymentID); err != nil {
		server.respondServiceError(ctx, err, "purchase failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleCancelToggle(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Cancel == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, ok := server.boundAccountID(ctx, request.AccountID)
	if !ok {
		return
	}
	if err := server.service.ToggleCancelAtPeriodEnd(ctx.Request.Context(), accountID, *request.Cancel); err != nil {
		server.respondServiceError(ctx, err, "cancel toggle failed")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"cancel_at_period_end": *request.Cancel})
}

// boundAccountID validates the raw id and enforces token/account binding.
func (server *Server) boundAccountID(ctx *gin.Context, raw string) (credits.AccountID, bool) {
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "missing account id"))
		return credits.AccountID{}, false
	}
	if !authorizeAccount(getClaims(ctx), accountID.String()) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "token not valid for this account"))
		return credits.AccountID{}, false
	}
	return accountID, true
}

func (server *Server) respondServiceError(ctx *gin.Context, err error, logMessage string) {
	var shortfall credits.InsufficientCreditsError
	switch {
	case errors.As(err, &shortfall):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"required":  shortfall.Required.Int64(),
			"available": shortfall.Available.Int64(),
		})
	case errors.Is(err, credits.ErrReservationNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("reservation_not_found", "unknown reservation"))
	case errors.Is(err, credits.ErrReservationAlreadyResolved):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_already_resolved", err.Error()))
	case errors.Is(err, credits.ErrInvalidTransition):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("invalid_transition", err.Error()))
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidAccountID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error(logMessage, zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("internal_error", "try again"))
	}
}

func snapshotResponse(account credits.CreditAccount) gin.H {
	response := gin.H{
		"account_id": account.AccountID,
		"balance":    account.Balance().Int64(),
		"monthly": gin.H{
			"allocated": account.Monthly.Allocated.Int64(),
			"used":      account.Monthly.Used.Int64(),
			"remaining": account.Monthly.Remaining().Int64(),
		},
		"rollover": gin.H{
			"amount": account.Rollover.Amount.Int64(),
		},
		"purchased": gin.H{
			"amount": account.Purchased.Amount.Int64(),
		},
		"lifetime_earned": account.LifetimeEarned.Int64(),
		"lifetime_spent":  account.LifetimeSpent.Int64(),
	}
	if !account.Monthly.ResetAt.IsZero() {
		response["monthly"].(gin.H)["reset_at"] = account.Monthly.ResetAt.UTC().Format(time.RFC3339)
	}
	if account.Rollover.ExpiresAt != nil {
		response["rollover"].(gin.H)["expires_at"] = account.Rollover.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return response
}
