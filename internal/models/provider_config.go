package models

// ProviderConfig is the persisted per-provider operator configuration: the
// admin API key that guards the provider's management endpoints, and the
// outbound notification settings consumed by the action-queue handlers.
// The provider adapters themselves are compiled in and wired at startup;
// this record only carries the operator-tunable surface around them.
type ProviderConfig struct {
	BaseModel

	Provider     string `json:"provider" gorm:"uniqueIndex;not null"`
	DisplayName  string `json:"display_name" gorm:"not null"`
	APIKey       string `json:"api_key" gorm:"uniqueIndex;not null"`
	IsActive     bool   `json:"is_active" gorm:"default:true"`
	Description  string `json:"description"`
	ContactEmail string `json:"contact_email"`

	// Webhook settings for the notify-webhook action handler.
	WebhookCallbackURL string `json:"webhook_callback_url" gorm:"type:varchar(500)"`
	WebhookSecret      string `json:"webhook_secret" gorm:"type:varchar(255)"`
}

// TableName pins the table name.
func (ProviderConfig) TableName() string {
	return "provider_configs"
}
