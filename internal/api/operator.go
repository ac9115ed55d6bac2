package api

import (
	"net/http"

	"payflow/internal/engine"
	"payflow/internal/response"
	"payflow/pkg/logging"

	"github.com/gin-gonic/gin"
)

// reconcileErrSink collects per-item reconciliation failures so the
// operator sees which aggregates could not be advanced; the batch itself
// continues past them.
func reconcileErrSink(provider string, failures *[]gin.H) engine.ErrSink {
	return func(aggregateID string, err error) {
		logging.Errorf("Reconciliation item failed for %s: %s: %v", provider, aggregateID, err)
		*failures = append(*failures, gin.H{"aggregate_id": aggregateID, "error": err.Error()})
	}
}

// ReconcileTransactions triggers one checkTransactions pass for a provider.
func ReconcileTransactions(c *gin.Context) {
	provider := c.Param("provider")

	var failures []gin.H
	err := paymentsEngine.CheckTransactions(c.Request.Context(), provider, reconcileErrSink(provider, &failures))
	if err != nil {
		response.ErrorJSON(c, statusForEngineError(err), err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"failures": failures})
}

// ReconcileRenewals triggers one checkSubscriptionRenewal pass.
func ReconcileRenewals(c *gin.Context) {
	provider := c.Param("provider")

	var failures []gin.H
	err := paymentsEngine.CheckSubscriptionRenewal(c.Request.Context(), provider, reconcileErrSink(provider, &failures))
	if err != nil {
		response.ErrorJSON(c, statusForEngineError(err), err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"failures": failures})
}

// ReconcileLinkage triggers one checkUncompletedSubscription pass.
func ReconcileLinkage(c *gin.Context) {
	provider := c.Param("provider")

	var failures []gin.H
	err := paymentsEngine.CheckUncompletedSubscription(c.Request.Context(), provider, reconcileErrSink(provider, &failures))
	if err != nil {
		response.ErrorJSON(c, statusForEngineError(err), err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"failures": failures})
}

// CancelSubscription applies an operator-initiated cancellation.
func CancelSubscription(c *gin.Context) {
	provider := c.Param("provider")
	originalTransactionID := c.Param("original_transaction_id")

	sub, err := paymentsEngine.CancelSubscription(c.Request.Context(), provider, originalTransactionID)
	if err != nil {
		response.ErrorJSON(c, statusForEngineError(err), err.Error())
		return
	}

	response.SuccessJSON(c, sub)
}

// DrainActions re-drives every queued, un-dispatched side effect.
func DrainActions(c *gin.Context) {
	if err := paymentsEngine.Drain(c.Request.Context()); err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessJSON(c, gin.H{"drained": true})
}
