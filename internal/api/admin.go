package api

import (
	"net/http"

	"payflow/internal/models"
	"payflow/internal/response"
	"payflow/internal/services"

	"github.com/gin-gonic/gin"
)

// GetProviderConfigs gets all active provider configs
func GetProviderConfigs(c *gin.Context) {
	svc := services.NewProviderConfigService()
	configs, err := svc.GetAll()
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get provider configs")
		return
	}

	response.SuccessJSON(c, configs)
}

// CreateProviderConfigRequest represents a create provider config request
type CreateProviderConfigRequest struct {
	Provider           string `json:"provider" binding:"required"`
	DisplayName        string `json:"display_name" binding:"required"`
	APIKey             string `json:"api_key" binding:"required"`
	Description        string `json:"description"`
	ContactEmail       string `json:"contact_email"`
	WebhookCallbackURL string `json:"webhook_callback_url"`
	WebhookSecret      string `json:"webhook_secret"`
}

// CreateProviderConfig creates a new provider config
func CreateProviderConfig(c *gin.Context) {
	var req CreateProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	cfg := &models.ProviderConfig{
		Provider:           req.Provider,
		DisplayName:        req.DisplayName,
		APIKey:             req.APIKey,
		Description:        req.Description,
		ContactEmail:       req.ContactEmail,
		WebhookCallbackURL: req.WebhookCallbackURL,
		WebhookSecret:      req.WebhookSecret,
		IsActive:           true,
	}

	svc := services.NewProviderConfigService()
	if err := svc.Create(cfg); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to create provider config: "+err.Error())
		return
	}

	response.JSON(c, http.StatusCreated, response.Success(cfg))
}

// UpdateProviderConfigRequest represents an update provider config request
type UpdateProviderConfigRequest struct {
	DisplayName        string `json:"display_name"`
	Description        string `json:"description"`
	ContactEmail       string `json:"contact_email"`
	WebhookCallbackURL string `json:"webhook_callback_url"`
	WebhookSecret      string `json:"webhook_secret"`
	IsActive           *bool  `json:"is_active"`
}

// UpdateProviderConfig updates an existing provider config
func UpdateProviderConfig(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Provider is required")
		return
	}

	var req UpdateProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	// Build update map
	updates := make(map[string]interface{})
	if req.DisplayName != "" {
		updates["display_name"] = req.DisplayName
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.ContactEmail != "" {
		updates["contact_email"] = req.ContactEmail
	}
	if req.WebhookCallbackURL != "" {
		updates["webhook_callback_url"] = req.WebhookCallbackURL
	}
	if req.WebhookSecret != "" {
		updates["webhook_secret"] = req.WebhookSecret
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}

	svc := services.NewProviderConfigService()
	if err := svc.Update(provider, updates); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to update provider config: "+err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"updated": true})
}

// DeleteProviderConfig soft deletes a provider config
func DeleteProviderConfig(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Provider is required")
		return
	}

	svc := services.NewProviderConfigService()
	if err := svc.Delete(provider); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to delete provider config: "+err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"deleted": true})
}

// GetProviderStats gets per-provider aggregate counts
func GetProviderStats(c *gin.Context) {
	provider := c.Param("provider")
	if provider == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Provider is required")
		return
	}

	svc := services.NewProviderConfigService()
	stats, err := svc.GetStats(provider)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get provider stats: "+err.Error())
		return
	}

	response.SuccessJSON(c, stats)
}
