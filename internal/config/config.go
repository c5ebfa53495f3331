/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the claim-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventExchange           string `mapstructure:"EVENT_EXCHANGE"`
	LifecycleEventQueue     string `mapstructure:"LIFECYCLE_EVENT_QUEUE"`
	ClerkJWKSURL            string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	ClaimRateLimitPerMinute int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	ClaimReminderAfterDays  int    `mapstructure:"CLAIM_REMINDER_AFTER_DAYS"`
	ClaimReminderCron       string `mapstructure:"CLAIM_REMINDER_CRON"`

	// CORSOrigins is CORSAllowedOrigins split on commas, filled after load.
	CORSOrigins []string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "giftbubble.events")
	viper.SetDefault("LIFECYCLE_EVENT_QUEUE", "claim_service.lifecycle_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "giftbubble:rate_limit")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CLAIM_REMINDER_AFTER_DAYS", 7)
	viper.SetDefault("CLAIM_REMINDER_CRON", "0 9 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CLAIM_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("LIFECYCLE_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CLAIM_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLAIM_REMINDER_AFTER_DAYS")
	_ = viper.BindEnv("CLAIM_REMINDER_CRON")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CLAIM_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "giftbubble:rate_limit"
	}
	config.EventExchange = strings.TrimSpace(config.EventExchange)
	if config.EventExchange == "" {
		config.EventExchange = "giftbubble.events"
	}
	config.LifecycleEventQueue = strings.TrimSpace(config.LifecycleEventQueue)
	if config.LifecycleEventQueue == "" {
		config.LifecycleEventQueue = "claim_service.lifecycle_events"
	}

	for _, origin := range strings.Split(config.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			config.CORSOrigins = append(config.CORSOrigins, trimmed)
		}
	}

	if config.ClaimRateLimitPerMinute <= 0 {
		config.ClaimRateLimitPerMinute = 30
	}
	if config.ClaimReminderAfterDays <= 0 {
		config.ClaimReminderAfterDays = 7
	}
	config.ClaimReminderCron = strings.TrimSpace(config.ClaimReminderCron)
	if config.ClaimReminderCron == "" {
		config.ClaimReminderCron = "0 9 * * *"
	}

	return
}
