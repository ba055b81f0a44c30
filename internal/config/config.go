/**
 * @description
 * Configuration shared by every service binary of the card issuance pipeline.
 * Values are read by Viper from a .env file or the process environment.
 *
 * @dependencies
 * - github.com/spf13/viper: For configuration management.
 * - github.com/robfig/cron/v3: Validates the reconciler schedule up front.
 *
 * @notes
 * - Each binary reads the subset it needs; unused values are harmless.
 * - Durations accept Go duration strings ("30s", "2m").
 */
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	ProposalServiceURL string `mapstructure:"PROPOSAL_SERVICE_URL"`
	CardServiceURL     string `mapstructure:"CARD_SERVICE_URL"`

	TaskQueueCapacity        int           `mapstructure:"TASK_QUEUE_CAPACITY"`
	EvaluationHandlerTimeout time.Duration `mapstructure:"EVALUATION_HANDLER_TIMEOUT"`

	ProposalReconcileSchedule string        `mapstructure:"PROPOSAL_RECONCILE_SCHEDULE"`
	ProposalStaleAfter        time.Duration `mapstructure:"PROPOSAL_STALE_AFTER"`
	ProposalReconcileBatch    int           `mapstructure:"PROPOSAL_RECONCILE_BATCH"`

	ResilienceTimeout          time.Duration `mapstructure:"RESILIENCE_TIMEOUT"`
	ResilienceAttemptTimeout   time.Duration `mapstructure:"RESILIENCE_ATTEMPT_TIMEOUT"`
	ResilienceMaxRetries       int           `mapstructure:"RESILIENCE_MAX_RETRIES"`
	ResilienceBaseDelay        time.Duration `mapstructure:"RESILIENCE_BASE_DELAY"`
	ResilienceFailureThreshold int           `mapstructure:"RESILIENCE_FAILURE_THRESHOLD"`
	ResilienceOpenTimeout      time.Duration `mapstructure:"RESILIENCE_OPEN_TIMEOUT"`
	ResilienceWindow           time.Duration `mapstructure:"RESILIENCE_WINDOW"`

	ConsumerPrefetch   int           `mapstructure:"CONSUMER_PREFETCH"`
	RedeliveryMax      int           `mapstructure:"REDELIVERY_MAX"`
	RedeliveryMinDelay time.Duration `mapstructure:"REDELIVERY_MIN_DELAY"`
	RedeliveryMaxDelay time.Duration `mapstructure:"REDELIVERY_MAX_DELAY"`

	DeliveryGuardTTL    time.Duration `mapstructure:"DELIVERY_GUARD_TTL"`
	DeliveryGuardPrefix string        `mapstructure:"DELIVERY_GUARD_PREFIX"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxStaleAfter   time.Duration `mapstructure:"OUTBOX_STALE_AFTER"`
}

var configKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"RABBITMQ_URL",
	"REDIS_URL",
	"INTERNAL_API_KEY",
	"PROPOSAL_SERVICE_URL",
	"CARD_SERVICE_URL",
	"TASK_QUEUE_CAPACITY",
	"EVALUATION_HANDLER_TIMEOUT",
	"PROPOSAL_RECONCILE_SCHEDULE",
	"PROPOSAL_STALE_AFTER",
	"PROPOSAL_RECONCILE_BATCH",
	"RESILIENCE_TIMEOUT",
	"RESILIENCE_ATTEMPT_TIMEOUT",
	"RESILIENCE_MAX_RETRIES",
	"RESILIENCE_BASE_DELAY",
	"RESILIENCE_FAILURE_THRESHOLD",
	"RESILIENCE_OPEN_TIMEOUT",
	"RESILIENCE_WINDOW",
	"CONSUMER_PREFETCH",
	"REDELIVERY_MAX",
	"REDELIVERY_MIN_DELAY",
	"REDELIVERY_MAX_DELAY",
	"DELIVERY_GUARD_TTL",
	"DELIVERY_GUARD_PREFIX",
	"OUTBOX_POLL_INTERVAL",
	"OUTBOX_BATCH_SIZE",
	"OUTBOX_STALE_AFTER",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (config Config, err error) {
	viper.AddConfigPath(".")
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TASK_QUEUE_CAPACITY", 0)
	viper.SetDefault("EVALUATION_HANDLER_TIMEOUT", "30s")
	viper.SetDefault("PROPOSAL_RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("PROPOSAL_STALE_AFTER", "2m")
	viper.SetDefault("PROPOSAL_RECONCILE_BATCH", 100)
	viper.SetDefault("RESILIENCE_TIMEOUT", "30s")
	viper.SetDefault("RESILIENCE_ATTEMPT_TIMEOUT", "0s")
	viper.SetDefault("RESILIENCE_MAX_RETRIES", 3)
	viper.SetDefault("RESILIENCE_BASE_DELAY", "2s")
	viper.SetDefault("RESILIENCE_FAILURE_THRESHOLD", 5)
	viper.SetDefault("RESILIENCE_OPEN_TIMEOUT", "30s")
	viper.SetDefault("RESILIENCE_WINDOW", "60s")
	viper.SetDefault("CONSUMER_PREFETCH", 10)
	viper.SetDefault("REDELIVERY_MAX", 3)
	viper.SetDefault("REDELIVERY_MIN_DELAY", "1m")
	viper.SetDefault("REDELIVERY_MAX_DELAY", "10m")
	viper.SetDefault("DELIVERY_GUARD_TTL", "24h")
	viper.SetDefault("DELIVERY_GUARD_PREFIX", "card_issuance:delivery")
	viper.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_STALE_AFTER", "2m")

	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		// A missing .env file is fine; the environment is enough.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return config, fmt.Errorf("read config file: %w", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.ResilienceAttemptTimeout <= 0 {
		config.ResilienceAttemptTimeout = config.ResilienceTimeout
	}

	if err = config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) validate() error {
	if c.TaskQueueCapacity < 0 {
		return fmt.Errorf("TASK_QUEUE_CAPACITY must not be negative, got %d", c.TaskQueueCapacity)
	}
	if c.ResilienceTimeout <= 0 {
		return fmt.Errorf("RESILIENCE_TIMEOUT must be positive, got %s", c.ResilienceTimeout)
	}
	if c.ResilienceMaxRetries < 0 {
		return fmt.Errorf("RESILIENCE_MAX_RETRIES must not be negative, got %d", c.ResilienceMaxRetries)
	}
	if c.ResilienceFailureThreshold < 1 {
		return fmt.Errorf("RESILIENCE_FAILURE_THRESHOLD must be at least 1, got %d", c.ResilienceFailureThreshold)
	}
	if c.RedeliveryMinDelay <= 0 || c.RedeliveryMaxDelay < c.RedeliveryMinDelay {
		return fmt.Errorf("REDELIVERY_MIN_DELAY/REDELIVERY_MAX_DELAY invalid: %s/%s", c.RedeliveryMinDelay, c.RedeliveryMaxDelay)
	}
	if c.ProposalStaleAfter <= 0 {
		return fmt.Errorf("PROPOSAL_STALE_AFTER must be positive, got %s", c.ProposalStaleAfter)
	}
	if c.OutboxPollInterval <= 0 || c.OutboxStaleAfter <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL/OUTBOX_STALE_AFTER must be positive: %s/%s", c.OutboxPollInterval, c.OutboxStaleAfter)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be at least 1, got %d", c.OutboxBatchSize)
	}
	if _, err := cron.ParseStandard(c.ProposalReconcileSchedule); err != nil {
		return fmt.Errorf("PROPOSAL_RECONCILE_SCHEDULE invalid: %w", err)
	}
	return nil
}
