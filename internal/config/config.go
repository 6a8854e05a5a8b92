package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string
	SQLitePath  string

	// Redis configuration
	RedisURL string

	// Session auth
	JWTSecret string

	// App Store configuration
	AppStoreSharedSecret    string
	AppStoreProductionURL   string
	AppStoreSandboxURL      string
	AppStoreVerifySignature bool
	AppleRootCAPEM          string

	// Google Play configuration
	GoogleServiceAccountEmail string
	GoogleServiceAccountKey   string
	GooglePackageName         string
	GoogleTokenURL            string

	// Outbound HTTP
	UpstreamTimeoutSeconds int

	// Brevo email configuration
	BrevoAPIKey      string
	BrevoSenderEmail string
	BrevoSenderName  string

	// Entitlement sync hook (main backend callback)
	EntitlementSyncURL    string
	EntitlementSyncSecret string

	// Logging
	LogFile  string
	LogLevel string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                    getEnv("PORT", "8080"),
		Mode:                    getEnv("GIN_MODE", "debug"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		SQLitePath:              getEnv("SQLITE_PATH", "purchase.db"),
		RedisURL:                getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:               getEnv("JWT_SECRET", ""),
		AppStoreSharedSecret:    getEnv("APPSTORE_SHARED_SECRET", ""),
		AppStoreProductionURL:   getEnv("APPSTORE_PRODUCTION_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		AppStoreSandboxURL:      getEnv("APPSTORE_SANDBOX_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		AppStoreVerifySignature: getEnvBool("APPSTORE_VERIFY_SIGNATURES", false),
		AppleRootCAPEM:          getEnv("APPLE_ROOT_CA_PEM", ""),

		GoogleServiceAccountEmail: getEnv("GOOGLE_SERVICE_ACCOUNT_EMAIL", ""),
		GoogleServiceAccountKey:   getEnv("GOOGLE_SERVICE_ACCOUNT_KEY", ""),
		GooglePackageName:         getEnv("GOOGLE_PACKAGE_NAME", "com.tablemate.app"),
		GoogleTokenURL:            getEnv("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),

		UpstreamTimeoutSeconds: getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 30),

		BrevoAPIKey:      getEnv("BREVO_API_KEY", ""),
		BrevoSenderEmail: getEnv("BREVO_SENDER_EMAIL", "billing@tablemate.app"),
		BrevoSenderName:  getEnv("BREVO_SENDER_NAME", "TableMate"),

		EntitlementSyncURL:    getEnv("ENTITLEMENT_SYNC_URL", ""),
		EntitlementSyncSecret: getEnv("ENTITLEMENT_SYNC_SECRET", ""),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
