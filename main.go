package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"companionkit/core"
	"companionkit/factories"

	"github.com/joho/godotenv"
)

func main() {
	var settingsPath string
	flag.StringVar(&settingsPath, "settings", "", "path to settings.json (defaults are used when omitted)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := core.GetLogger()

	if err := godotenv.Load(".env.local"); err != nil {
		logger.With(map[string]any{"error": err}).Warn("No .env.local file found or failed to load")
	}

	if settingsPath == "" {
		settingsPath = getEnv("SETTINGS_PATH", "")
	}

	settings := factories.DefaultSettingsConfig()
	if settingsPath != "" {
		loaded, err := factories.SettingsConfigFromFile(settingsPath)
		if err != nil {
			logger.With(map[string]any{"path": settingsPath, "error": err}).Warn("failed to load settings, using defaults")
		} else {
			settings = loaded
		}
	}

	settings.InjectCredentials(factories.Credentials{
		Username:      getEnv("COMPANION_USERNAME", ""),
		Password:      getEnv("COMPANION_PASSWORD", ""),
		SessionSecret: getEnv("COMPANION_SESSION_SECRET", ""),
		LLMAPIKey:     getEnv("LLM_API_KEY", ""),
	})

	server, err := settings.Build(logger)
	if err != nil {
		logger.With(map[string]any{"error": err}).Fatal("failed to build server")
	}

	if err := server.Run(ctx); err != nil {
		logger.With(map[string]any{"error": err}).Error("server stopped with error")
	}
	logger.Info("Shutting down...")
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
