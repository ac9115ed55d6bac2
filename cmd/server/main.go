package main

import (
	"context"
	"log"
	"time"

	"payflow/internal/api"
	"payflow/internal/clock"
	"payflow/internal/config"
	"payflow/internal/database"
	"payflow/internal/engine"
	"payflow/internal/engine/gormrepo"
	"payflow/internal/models"
	"payflow/internal/notify"
	"payflow/internal/provider/sandbox"
	"payflow/internal/services"
	"payflow/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	eng := buildEngine()

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	guard := services.NewReplayGuard(database.GetRedis(), 24*time.Hour)
	api.SetupRoutes(r, eng, guard)

	// Drive the reconciliation loops and the action queue in-process. A
	// second instance pointed at the same Redis is turned away from each
	// reconciliation pass by the lease broker; the action-queue drain takes
	// no lease and relies on the handlers being idempotent.
	go runReconciliationLoops(eng)

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// buildEngine wires the registry, repository and action handlers into the
// orchestration core.
func buildEngine() *engine.Engine {
	cfg := config.AppConfig

	// The sandbox provider ships with a small demonstration catalogue;
	// real deployments register their gateway adapters here instead.
	sandboxAdapter := sandbox.New("sandbox", map[string]models.Product{
		"membership-monthly": {ID: "membership-monthly", Type: models.ProductSubscription, Group: "membership", Duration: 30 * 24 * time.Hour},
		"membership-yearly":  {ID: "membership-yearly", Type: models.ProductSubscription, Group: "membership", Duration: 365 * 24 * time.Hour},
		"lifetime-unlock":    {ID: "lifetime-unlock", Type: models.ProductPurchase},
	}, engine.AdapterCapabilities{
		SupportsCancelSubscription: true,
		SupportsSubscribedEvent:    true,
	})

	registry := engine.NewRegistry(map[string]engine.ProviderAdapter{
		sandboxAdapter.Name(): sandboxAdapter,
	})

	repo := gormrepo.New(database.GetDB(), cfg.MaxCASRetries)

	var handlers []engine.ActionHandler
	if cfg.BrevoAPIKey != "" && cfg.BrevoFromEmail != "" {
		handlers = append(handlers, notify.NewEmailHandler(cfg.BrevoAPIKey, cfg.BrevoFromEmail, cfg.ServiceName))
	}
	if webhook := webhookHandlerFromConfig(); webhook != nil {
		handlers = append(handlers, webhook)
	}

	return engine.New(registry, repo, clock.System{}, database.GetRedis(), handlers, engine.Config{
		PurchaseExpiresAfter:             cfg.PurchaseExpiresAfter,
		RenewalBefore:                    cfg.RenewalBefore,
		ReconciliationLeaseTTL:           cfg.ReconciliationLeaseTTL,
		CascadeExpiredInitialTransaction: cfg.CascadeExpiredInitialTransaction,
		MaxCASRetries:                    cfg.MaxCASRetries,
	})
}

// webhookHandlerFromConfig builds the notify-webhook handler from the
// first active provider config carrying a callback URL, if any.
func webhookHandlerFromConfig() engine.ActionHandler {
	svc := services.NewProviderConfigService()
	configs, err := svc.GetAll()
	if err != nil {
		logging.Errorf("Failed to load provider configs for webhook handler: %v", err)
		return nil
	}
	for _, cfg := range configs {
		if cfg.WebhookCallbackURL != "" {
			return notify.NewWebhookHandler(cfg.WebhookCallbackURL, cfg.WebhookSecret)
		}
	}
	return nil
}

// runReconciliationLoops ticks every provider's three reconciliation
// passes plus one action-queue drain. Per-item failures are already
// reported through the error sink; pass-level errors are logged here.
func runReconciliationLoops(eng *engine.Engine) {
	interval := config.AppConfig.RenewalBefore / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sink := func(aggregateID string, err error) {
		logging.Errorf("Reconciliation item failed: %s: %v", aggregateID, err)
	}

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		for _, provider := range eng.Providers() {
			if err := eng.CheckTransactions(ctx, provider, sink); err != nil {
				logging.Errorf("checkTransactions failed for %s: %v", provider, err)
			}
			if err := eng.CheckSubscriptionRenewal(ctx, provider, sink); err != nil {
				logging.Errorf("checkSubscriptionRenewal failed for %s: %v", provider, err)
			}
			if err := eng.CheckUncompletedSubscription(ctx, provider, sink); err != nil {
				logging.Errorf("checkUncompletedSubscription failed for %s: %v", provider, err)
			}
		}
		if err := eng.Drain(ctx); err != nil {
			logging.Errorf("Action queue drain failed: %v", err)
		}
		cancel()
	}
}
