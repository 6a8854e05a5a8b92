package main

import (
	"log"

	"purchase-api/internal/api"
	"purchase-api/internal/config"
	"purchase-api/internal/database"
	"purchase-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging(config.AppConfig.LogFile, config.AppConfig.LogLevel)
	defer logging.Sync()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Construct handlers and set up routes
	handlers, err := api.NewHandlers()
	if err != nil {
		log.Fatal("Failed to construct handlers:", err)
	}
	api.SetupRoutes(r, handlers)

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting purchase API on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
