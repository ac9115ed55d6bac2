package api

import (
	"payflow/internal/engine"
	"payflow/internal/middleware"
	"payflow/internal/services"

	"github.com/gin-gonic/gin"
)

var (
	paymentsEngine *engine.Engine
	replayGuard    *services.ReplayGuard
)

// SetupRoutes sets up all routes on top of an initialized engine.
func SetupRoutes(r *gin.Engine, eng *engine.Engine, guard *services.ReplayGuard) {
	paymentsEngine = eng
	replayGuard = guard

	// Initialize provider config manager
	middleware.InitProviderConfigs()

	// API route group
	api := r.Group("/api")
	{
		// Checkout preparation routes (client API)
		checkout := api.Group("/checkout")
		{
			checkout.POST("/purchase", PreparePurchase)
			checkout.POST("/subscription", PrepareSubscription)
		}

		// Provider callback routes (no authentication, providers call these)
		callbacks := api.Group("/callbacks")
		{
			callbacks.POST("/:provider", HandleProviderCallback)
		}

		// User entitlement routes (client API)
		user := api.Group("/user")
		{
			user.GET("/:user_id", GetUserView)
			user.GET("/:user_id/entitlement", GetUserEntitlement)
		}

		// Operator routes (require provider authentication)
		operator := api.Group("/operator")
		operator.Use(middleware.ProviderAuthMiddleware())
		{
			operator.POST("/reconcile/:provider/transactions", ReconcileTransactions)
			operator.POST("/reconcile/:provider/renewals", ReconcileRenewals)
			operator.POST("/reconcile/:provider/linkage", ReconcileLinkage)
			operator.POST("/subscriptions/:provider/:original_transaction_id/cancel", CancelSubscription)
			operator.POST("/actions/drain", DrainActions)
			operator.GET("/stats/:provider", GetProviderStats)
		}

		// Provider config management routes (for admin use)
		admin := api.Group("/admin")
		{
			admin.GET("/providers", GetProviderConfigs)
			admin.POST("/providers", CreateProviderConfig)
			admin.PUT("/providers/:provider", UpdateProviderConfig)
			admin.DELETE("/providers/:provider", DeleteProviderConfig)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "payflow",
		})
	})
}
