package api

import (
	"time"

	"purchase-api/internal/config"
	"purchase-api/internal/database"
	"purchase-api/internal/middleware"
	"purchase-api/internal/services"

	"github.com/gin-gonic/gin"
)

// PurchaseHandler serves the authenticated purchase endpoints. All
// dependencies are injected so tests can substitute fake verifiers.
type PurchaseHandler struct {
	ledger     *database.Ledger
	reconciler *services.Reconciler
	catalog    *services.Catalog
	apple      services.ReceiptVerifier
	google     services.ReceiptVerifier
	restorer   services.ReceiptRestorer
}

// NewPurchaseHandler wires the purchase endpoints.
func NewPurchaseHandler(ledger *database.Ledger, reconciler *services.Reconciler, catalog *services.Catalog, apple, google services.ReceiptVerifier, restorer services.ReceiptRestorer) *PurchaseHandler {
	return &PurchaseHandler{
		ledger:     ledger,
		reconciler: reconciler,
		catalog:    catalog,
		apple:      apple,
		google:     google,
		restorer:   restorer,
	}
}

// NotificationHandler serves the platform webhook endpoints.
type NotificationHandler struct {
	ledger     *database.Ledger
	reconciler *services.Reconciler
	catalog    *services.Catalog
	google     services.ReceiptVerifier
	jws        *services.JWSVerifier
	replay     *services.ReplayProtection
	billing    *services.BillingNotifier
	syncHook   *services.SyncHook
}

// NewNotificationHandler wires the webhook endpoints.
func NewNotificationHandler(ledger *database.Ledger, reconciler *services.Reconciler, catalog *services.Catalog, google services.ReceiptVerifier, jws *services.JWSVerifier, replay *services.ReplayProtection, billing *services.BillingNotifier, syncHook *services.SyncHook) *NotificationHandler {
	return &NotificationHandler{
		ledger:     ledger,
		reconciler: reconciler,
		catalog:    catalog,
		google:     google,
		jws:        jws,
		replay:     replay,
		billing:    billing,
		syncHook:   syncHook,
	}
}

// Handlers bundles the constructed handler set.
type Handlers struct {
	Purchase     *PurchaseHandler
	Notification *NotificationHandler
}

// NewHandlers constructs the handler set from the process config and the
// initialized database.
func NewHandlers() (*Handlers, error) {
	cfg := config.AppConfig
	db := database.GetDB()

	ledger := database.NewLedger(db)
	catalog := services.NewCatalog(db)
	reconciler := services.NewReconciler(db)

	apple := services.NewAppleVerifier(cfg.AppStoreSharedSecret)
	apple.ProductionURL = cfg.AppStoreProductionURL
	apple.SandboxURL = cfg.AppStoreSandboxURL

	google := services.NewGoogleVerifier(cfg.GoogleServiceAccountEmail, cfg.GoogleServiceAccountKey, cfg.GooglePackageName, cfg.GoogleTokenURL)

	if cfg.UpstreamTimeoutSeconds > 0 {
		timeout := time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second
		apple.SetTimeout(timeout)
		google.SetTimeout(timeout)
	}

	jws, err := services.NewJWSVerifier(cfg.AppleRootCAPEM, cfg.AppStoreVerifySignature)
	if err != nil {
		return nil, err
	}

	replay := services.NewReplayProtection(database.GetRedis())
	billing := services.NewBillingNotifier(cfg.BrevoAPIKey, cfg.BrevoSenderEmail, cfg.BrevoSenderName)
	syncHook := services.NewSyncHook(cfg.EntitlementSyncURL, cfg.EntitlementSyncSecret)

	return &Handlers{
		Purchase:     NewPurchaseHandler(ledger, reconciler, catalog, apple, google, apple),
		Notification: NewNotificationHandler(ledger, reconciler, catalog, google, jws, replay, billing, syncHook),
	}, nil
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// API route group
	api := r.Group("/api")
	{
		// Purchase routes (require a user session)
		purchase := api.Group("/purchase")
		purchase.Use(middleware.UserAuthMiddleware())
		{
			purchase.POST("/credits", h.Purchase.PurchaseCredits)
			purchase.POST("/subscription", h.Purchase.PurchaseSubscription)
			purchase.POST("/restore", h.Purchase.RestorePurchases)
			purchase.GET("/entitlements", h.Purchase.GetEntitlements)
			purchase.GET("/history", h.Purchase.GetHistory)
		}

		// App Store notification routes (no authentication, Apple calls these)
		appstore := api.Group("/appstore")
		{
			appstore.POST("/notifications", h.Notification.HandleAppStoreNotification)
			appstore.POST("/notifications/production", h.Notification.HandleAppStoreNotification)
			appstore.POST("/notifications/sandbox", h.Notification.HandleAppStoreNotification)
		}

		// Google Play RTDN route (Pub/Sub push, no authentication)
		googleplay := api.Group("/googleplay")
		{
			googleplay.POST("/notifications", h.Notification.HandleGooglePlayNotification)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "purchase-api",
		})
	})
}
