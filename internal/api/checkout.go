package api

import (
	"errors"
	"net/http"

	"payflow/internal/engine"
	"payflow/internal/response"
	"payflow/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PreparePurchaseRequest represents a purchase preparation request
type PreparePurchaseRequest struct {
	Provider  string `json:"provider" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
}

// PreparePurchase begins a one-off purchase and returns the provider's
// opaque checkout payload.
func PreparePurchase(c *gin.Context) {
	var req PreparePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	handle, err := paymentsEngine.PreparePurchase(c.Request.Context(), engine.PreparePurchaseRequest{
		Provider:  req.Provider,
		UserID:    req.UserID,
		ProductID: req.ProductID,
	})
	if err != nil {
		status := statusForEngineError(err)
		logging.Errorf("PreparePurchase failed for %s/%s: %v", req.Provider, req.ProductID, err)
		response.ErrorJSON(c, status, err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{
		"transaction_id": handle.TransactionID,
		"response":       handle.Response,
	})
}

// PrepareSubscriptionRequest represents a subscription preparation request
type PrepareSubscriptionRequest struct {
	Provider  string `json:"provider" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
}

// PrepareSubscription resolves or begins a subscription, covering the
// idempotent same-plan re-prepare and the plan-change path.
func PrepareSubscription(c *gin.Context) {
	var req PrepareSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	handle, err := paymentsEngine.PrepareSubscription(c.Request.Context(), engine.PrepareSubscriptionRequest{
		Provider:  req.Provider,
		UserID:    req.UserID,
		ProductID: req.ProductID,
	})
	if err != nil {
		status := statusForEngineError(err)
		logging.Errorf("PrepareSubscription failed for %s/%s: %v", req.Provider, req.ProductID, err)
		response.ErrorJSON(c, status, err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{
		"original_transaction_id": handle.OriginalTransactionID,
		"response":                handle.Response,
	})
}

// statusForEngineError maps the engine's sentinel errors onto HTTP codes.
func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownProduct),
		errors.Is(err, engine.ErrWrongProductType):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateAggregate),
		errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrConflictingTerminalTransition),
		errors.Is(err, engine.ErrCallbackRejected):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnrecognizedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrCapabilityUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, engine.ErrCanceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}
