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

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	JWTSecret         string `mapstructure:"JWT_SECRET"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	PlatformAccountID string `mapstructure:"PLATFORM_ACCOUNT_ID"`
	PaymentEventQueue string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	WebhookLockPrefix string `mapstructure:"WEBHOOK_LOCK_PREFIX"`
	CatalogServiceURL string `mapstructure:"CATALOG_SERVICE_URL"`

	CardGatewayBaseURL       string `mapstructure:"CARD_GATEWAY_BASE_URL"`
	CardGatewayAPIKey        string `mapstructure:"CARD_GATEWAY_API_KEY"`
	CardGatewayWebhookSecret string `mapstructure:"CARD_GATEWAY_WEBHOOK_SECRET"`
	EthGatewayBaseURL        string `mapstructure:"ETH_GATEWAY_BASE_URL"`
	EthGatewayAPIKey         string `mapstructure:"ETH_GATEWAY_API_KEY"`
	EthGatewayWebhookSecret  string `mapstructure:"ETH_GATEWAY_WEBHOOK_SECRET"`
	SolGatewayBaseURL        string `mapstructure:"SOL_GATEWAY_BASE_URL"`
	SolGatewayAPIKey         string `mapstructure:"SOL_GATEWAY_API_KEY"`
	SolGatewayWebhookSecret  string `mapstructure:"SOL_GATEWAY_WEBHOOK_SECRET"`

	FraudBlockThreshold    float64 `mapstructure:"FRAUD_BLOCK_THRESHOLD"`
	FraudReviewThreshold   float64 `mapstructure:"FRAUD_REVIEW_THRESHOLD"`
	FraudVelocityWindowMin int     `mapstructure:"FRAUD_VELOCITY_WINDOW_MINUTES"`
	FraudVelocityCeiling   int     `mapstructure:"FRAUD_VELOCITY_CEILING"`

	OutboxPollIntervalMS    int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize         int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	ProcessingGraceMinutes  int    `mapstructure:"PROCESSING_GRACE_MINUTES"`
	SettlementCronSpec      string `mapstructure:"SETTLEMENT_CRON_SPEC"`
	SettlementHoldHours     int    `mapstructure:"SETTLEMENT_HOLD_HOURS"`
	SettlementBatchLimit    int    `mapstructure:"SETTLEMENT_BATCH_LIMIT"`
	GatewayRetryMaxAttempts int    `mapstructure:"GATEWAY_RETRY_MAX_ATTEMPTS"`
	GatewayRetryBaseDelayMS int    `mapstructure:"GATEWAY_RETRY_BASE_DELAY_MS"`
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
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "payment_service.completed_payments")
	viper.SetDefault("WEBHOOK_LOCK_PREFIX", "vibestream:webhook_lock")
	viper.SetDefault("FRAUD_BLOCK_THRESHOLD", 0.9)
	viper.SetDefault("FRAUD_REVIEW_THRESHOLD", 0.7)
	viper.SetDefault("FRAUD_VELOCITY_WINDOW_MINUTES", 60)
	viper.SetDefault("FRAUD_VELOCITY_CEILING", 10)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("PROCESSING_GRACE_MINUTES", 60)
	viper.SetDefault("SETTLEMENT_CRON_SPEC", "0 2 * * *")
	viper.SetDefault("SETTLEMENT_HOLD_HOURS", 24)
	viper.SetDefault("SETTLEMENT_BATCH_LIMIT", 500)
	viper.SetDefault("GATEWAY_RETRY_MAX_ATTEMPTS", 4)
	viper.SetDefault("GATEWAY_RETRY_BASE_DELAY_MS", 500)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PLATFORM_ACCOUNT_ID")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("WEBHOOK_LOCK_PREFIX")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("CARD_GATEWAY_BASE_URL")
	_ = viper.BindEnv("CARD_GATEWAY_API_KEY")
	_ = viper.BindEnv("CARD_GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("ETH_GATEWAY_BASE_URL")
	_ = viper.BindEnv("ETH_GATEWAY_API_KEY")
	_ = viper.BindEnv("ETH_GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("SOL_GATEWAY_BASE_URL")
	_ = viper.BindEnv("SOL_GATEWAY_API_KEY")
	_ = viper.BindEnv("SOL_GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("FRAUD_BLOCK_THRESHOLD")
	_ = viper.BindEnv("FRAUD_REVIEW_THRESHOLD")
	_ = viper.BindEnv("FRAUD_VELOCITY_WINDOW_MINUTES")
	_ = viper.BindEnv("FRAUD_VELOCITY_CEILING")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("PROCESSING_GRACE_MINUTES")
	_ = viper.BindEnv("SETTLEMENT_CRON_SPEC")
	_ = viper.BindEnv("SETTLEMENT_HOLD_HOURS")
	_ = viper.BindEnv("SETTLEMENT_BATCH_LIMIT")
	_ = viper.BindEnv("GATEWAY_RETRY_MAX_ATTEMPTS")
	_ = viper.BindEnv("GATEWAY_RETRY_BASE_DELAY_MS")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.WebhookLockPrefix = strings.TrimSpace(config.WebhookLockPrefix)
	if config.WebhookLockPrefix == "" {
		config.WebhookLockPrefix = "vibestream:webhook_lock"
	}

	if config.FraudBlockThreshold <= 0 || config.FraudBlockThreshold > 1 {
		log.Printf("level=warn component=config msg=\"invalid fraud block threshold; using default\" value=%f", config.FraudBlockThreshold)
		config.FraudBlockThreshold = 0.9
	}
	if config.FraudReviewThreshold <= 0 || config.FraudReviewThreshold > config.FraudBlockThreshold {
		log.Printf("level=warn component=config msg=\"invalid fraud review threshold; using default\" value=%f", config.FraudReviewThreshold)
		config.FraudReviewThreshold = 0.7
	}
	if config.FraudVelocityWindowMin <= 0 {
		config.FraudVelocityWindowMin = 60
	}
	if config.FraudVelocityCeiling <= 0 {
		config.FraudVelocityCeiling = 10
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 1000
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 100
	}
	if config.ProcessingGraceMinutes <= 0 {
		config.ProcessingGraceMinutes = 60
	}
	if config.SettlementHoldHours <= 0 {
		config.SettlementHoldHours = 24
	}
	if config.SettlementBatchLimit <= 0 {
		config.SettlementBatchLimit = 500
	}
	if config.GatewayRetryMaxAttempts <= 0 {
		config.GatewayRetryMaxAttempts = 4
	}
	if config.GatewayRetryBaseDelayMS <= 0 {
		config.GatewayRetryBaseDelayMS = 500
	}

	return
}
