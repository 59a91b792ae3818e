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
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisSessionPrefix      string `mapstructure:"REDIS_SESSION_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	WithdrawalEventExchange string `mapstructure:"WITHDRAWAL_EVENT_EXCHANGE"`
	Environment             string `mapstructure:"ENVIRONMENT"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	MobileMoneyProvider     string `mapstructure:"MOBILE_MONEY_PROVIDER"`
	BankTransferProvider    string `mapstructure:"BANK_TRANSFER_PROVIDER"`
	StatusPollDelaySeconds  int    `mapstructure:"STATUS_POLL_DELAY_SECONDS"`
	TokenRetries            int    `mapstructure:"TOKEN_RETRIES"`
	SubmitRetries           int    `mapstructure:"SUBMIT_RETRIES"`
	RetryBackoffMillis      int    `mapstructure:"RETRY_BACKOFF_MILLIS"`
	ReconcileCron           string `mapstructure:"RECONCILE_CRON"`
	ReconcileMinAgeSeconds  int    `mapstructure:"RECONCILE_MIN_AGE_SECONDS"`
	ReconcileBatchLimit     int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	FeeBusinessBps          int64  `mapstructure:"FEE_BUSINESS_BPS"`
	FeeProfessionalBps      int64  `mapstructure:"FEE_PROFESSIONAL_BPS"`
	FeeStarterBps           int64  `mapstructure:"FEE_STARTER_BPS"`
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
	viper.SetDefault("ENVIRONMENT", "sandbox")
	viper.SetDefault("WITHDRAWAL_EVENT_EXCHANGE", "veltapay.events")
	viper.SetDefault("REDIS_SESSION_PREFIX", "veltapay:provider_session")
	viper.SetDefault("MOBILE_MONEY_PROVIDER", "mtn_momo")
	viper.SetDefault("BANK_TRANSFER_PROVIDER", "mtn_momo")
	viper.SetDefault("STATUS_POLL_DELAY_SECONDS", 3)
	viper.SetDefault("TOKEN_RETRIES", 2)
	viper.SetDefault("SUBMIT_RETRIES", 2)
	viper.SetDefault("RETRY_BACKOFF_MILLIS", 500)
	viper.SetDefault("RECONCILE_CRON", "*/5 * * * *")
	viper.SetDefault("RECONCILE_MIN_AGE_SECONDS", 120)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("FEE_BUSINESS_BPS", 100)
	viper.SetDefault("FEE_PROFESSIONAL_BPS", 200)
	viper.SetDefault("FEE_STARTER_BPS", 500)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_SESSION_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WITHDRAWAL_EVENT_EXCHANGE")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MOBILE_MONEY_PROVIDER")
	_ = viper.BindEnv("BANK_TRANSFER_PROVIDER")
	_ = viper.BindEnv("STATUS_POLL_DELAY_SECONDS")
	_ = viper.BindEnv("TOKEN_RETRIES")
	_ = viper.BindEnv("SUBMIT_RETRIES")
	_ = viper.BindEnv("RETRY_BACKOFF_MILLIS")
	_ = viper.BindEnv("RECONCILE_CRON")
	_ = viper.BindEnv("RECONCILE_MIN_AGE_SECONDS")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("FEE_BUSINESS_BPS")
	_ = viper.BindEnv("FEE_PROFESSIONAL_BPS")
	_ = viper.BindEnv("FEE_STARTER_BPS")
	_ = viper.BindEnv("FEE_BUSINESS_PERCENT")
	_ = viper.BindEnv("FEE_PROFESSIONAL_PERCENT")
	_ = viper.BindEnv("FEE_STARTER_PERCENT")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisSessionPrefix = strings.TrimSpace(config.RedisSessionPrefix)
	if config.RedisSessionPrefix == "" {
		config.RedisSessionPrefix = "veltapay:provider_session"
	}

	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	if config.Environment != "sandbox" && config.Environment != "production" {
		log.Printf("level=warn component=config msg=\"unknown ENVIRONMENT; defaulting to sandbox\" value=%q", config.Environment)
		config.Environment = "sandbox"
	}

	// Allow specifying fees in whole percent via FEE_<TIER>_PERCENT.
	config.FeeBusinessBps = feePercentOverride("FEE_BUSINESS_PERCENT", config.FeeBusinessBps)
	config.FeeProfessionalBps = feePercentOverride("FEE_PROFESSIONAL_PERCENT", config.FeeProfessionalBps)
	config.FeeStarterBps = feePercentOverride("FEE_STARTER_PERCENT", config.FeeStarterBps)

	if config.FeeBusinessBps < 0 || config.FeeProfessionalBps < 0 || config.FeeStarterBps < 0 {
		log.Printf("level=warn component=config msg=\"negative fee configured; coercing to zero\" business_bps=%d professional_bps=%d starter_bps=%d",
			config.FeeBusinessBps, config.FeeProfessionalBps, config.FeeStarterBps)
		if config.FeeBusinessBps < 0 {
			config.FeeBusinessBps = 0
		}
		if config.FeeProfessionalBps < 0 {
			config.FeeProfessionalBps = 0
		}
		if config.FeeStarterBps < 0 {
			config.FeeStarterBps = 0
		}
	}

	if config.StatusPollDelaySeconds < 0 {
		config.StatusPollDelaySeconds = 0
	}
	if config.TokenRetries < 0 {
		config.TokenRetries = 0
	}
	if config.SubmitRetries < 0 {
		config.SubmitRetries = 0
	}
	if config.RetryBackoffMillis <= 0 {
		config.RetryBackoffMillis = 500
	}
	if config.ReconcileMinAgeSeconds <= 0 {
		config.ReconcileMinAgeSeconds = 120
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if strings.TrimSpace(config.ReconcileCron) == "" {
		config.ReconcileCron = "*/5 * * * *"
	}

	return
}

// feePercentOverride converts a whole-percent env override into basis points,
// keeping the current value when the override is absent or invalid.
func feePercentOverride(key string, current int64) int64 {
	if !viper.IsSet(key) {
		return current
	}
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return current
	}
	percent, parseErr := strconv.ParseFloat(raw, 64)
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid fee percent override\" key=%s value=%q err=%v", key, raw, parseErr)
		return current
	}
	if percent < 0 {
		log.Printf("level=warn component=config msg=\"negative fee percent override; ignoring\" key=%s value=%f", key, percent)
		return current
	}
	return int64(percent * 100)
}
