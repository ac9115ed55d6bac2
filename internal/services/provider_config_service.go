package services

import (
	"fmt"

	"payflow/internal/database"
	"payflow/internal/models"

	"gorm.io/gorm"
)

// ProviderConfigService manages the persisted per-provider operator
// configuration records backing the admin API and the notification
// handlers.
type ProviderConfigService struct {
	db *gorm.DB
}

// NewProviderConfigService creates a new provider config service
func NewProviderConfigService() *ProviderConfigService {
	return &ProviderConfigService{
		db: database.GetDB(),
	}
}

// GetByProvider gets the active config for a provider name
func (s *ProviderConfigService) GetByProvider(provider string) (*models.ProviderConfig, error) {
	var cfg models.ProviderConfig
	result := s.db.Where("provider = ? AND is_active = ?", provider, true).First(&cfg)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("provider config not found")
		}
		return nil, result.Error
	}
	return &cfg, nil
}

// ValidateAPIKey validates a provider name and API key pair
func (s *ProviderConfigService) ValidateAPIKey(provider, apiKey string) bool {
	cfg, err := s.GetByProvider(provider)
	if err != nil {
		return false
	}
	return cfg.APIKey == apiKey && cfg.IsActive
}

// GetAll gets all active provider configs
func (s *ProviderConfigService) GetAll() ([]*models.ProviderConfig, error) {
	var configs []*models.ProviderConfig
	result := s.db.Where("is_active = ?", true).Find(&configs)
	if result.Error != nil {
		return nil, result.Error
	}
	return configs, nil
}

// Create creates a new provider config
func (s *ProviderConfigService) Create(cfg *models.ProviderConfig) error {
	var existing models.ProviderConfig
	result := s.db.Where("provider = ?", cfg.Provider).First(&existing)
	if result.Error == nil {
		return fmt.Errorf("provider %s already configured", cfg.Provider)
	}

	result = s.db.Where("api_key = ?", cfg.APIKey).First(&existing)
	if result.Error == nil {
		return fmt.Errorf("provider config with this API key already exists")
	}

	if err := s.db.Create(cfg).Error; err != nil {
		return fmt.Errorf("failed to create provider config: %w", err)
	}

	return nil
}

// Update updates an existing provider config
func (s *ProviderConfigService) Update(provider string, updates map[string]interface{}) error {
	result := s.db.Model(&models.ProviderConfig{}).Where("provider = ?", provider).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update provider config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("provider config not found")
	}
	return nil
}

// Delete soft deletes a provider config
func (s *ProviderConfigService) Delete(provider string) error {
	result := s.db.Where("provider = ?", provider).Delete(&models.ProviderConfig{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete provider config: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("provider config not found")
	}
	return nil
}

// GetStats gets per-provider aggregate counts for the admin surface
func (s *ProviderConfigService) GetStats(provider string) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var pendingTransactions int64
	s.db.Model(&models.Transaction{}).
		Where("provider = ? AND completed_at IS NULL AND canceled_at IS NULL", provider).
		Count(&pendingTransactions)
	stats["pending_transactions"] = pendingTransactions

	var completedTransactions int64
	s.db.Model(&models.Transaction{}).
		Where("provider = ? AND completed_at IS NOT NULL", provider).
		Count(&completedTransactions)
	stats["completed_transactions"] = completedTransactions

	var activeSubscriptions int64
	s.db.Model(&models.Subscription{}).
		Where("provider = ? AND canceled_at IS NULL", provider).
		Count(&activeSubscriptions)
	stats["subscriptions_not_canceled"] = activeSubscriptions

	var undispatchedActions int64
	s.db.Model(&models.Action{}).
		Where("dispatched_at IS NULL").
		Count(&undispatchedActions)
	stats["undispatched_actions"] = undispatchedActions

	return stats, nil
}
