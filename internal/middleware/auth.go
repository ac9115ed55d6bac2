package middleware

import (
	"net/http"
	"time"

	"payflow/internal/response"
	"payflow/internal/services"

	"github.com/gin-gonic/gin"
)

var ProviderConfigs *services.ProviderConfigService

// InitProviderConfigs initializes the provider config service
func InitProviderConfigs() {
	ProviderConfigs = services.NewProviderConfigService()
}

// ProviderAuthMiddleware guards the per-provider operator endpoints
// (reconciliation triggers, cancellation, stats) with the API key stored
// in the provider's config record.
func ProviderAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.GetHeader("X-Provider")
		apiKey := c.GetHeader("X-API-Key")

		// If not passed via header, try to get from query parameters
		if provider == "" {
			provider = c.Query("provider")
		}
		if provider == "" {
			provider = c.Param("provider")
		}
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if provider == "" || apiKey == "" {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Missing provider or api_key"))
			c.Abort()
			return
		}

		if !ProviderConfigs.ValidateAPIKey(provider, apiKey) {
			c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, "Invalid provider or api_key"))
			c.Abort()
			return
		}

		c.Set("provider", provider)
		c.Set("request_time", time.Now())
		c.Next()
	}
}
