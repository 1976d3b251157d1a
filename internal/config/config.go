// Package config loads and validates obscore configuration: the .obscore.yaml
// settings file (via Viper, with OBSCORE_* environment overrides) and the
// declarative rules file (alert rules, escalation policies, sampling rules
// and log patterns).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// OBSCORE_METRICS_RETENTION_HOURS.
const EnvPrefix = "OBSCORE"

// ConfigurationManager loads and validates obscore configuration.
type ConfigurationManager interface {
	Load() (*models.Config, error)
	LoadRules(path string) (*RuleSet, error)
	ValidateConfig(cfg *models.Config) error
	ConfigFileUsed() string
}

// viperConfigManager implements ConfigurationManager using Viper.
type viperConfigManager struct {
	basePath   string
	configFile string
	used       string
}

// NewConfigurationManager creates a ConfigurationManager. When configFile is
// non-empty it is read directly; otherwise .obscore.yaml is searched for in
// basePath.
func NewConfigurationManager(basePath, configFile string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath, configFile: configFile}
}

// DefaultConfig returns a Config populated with the built-in defaults.
func DefaultConfig() *models.Config {
	return &models.Config{
		Server: models.ServerConfig{ListenAddr: ":8080"},
		Logging: models.LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: models.MetricsConfig{
			RetentionHours:            168,
			BufferSize:                100000,
			CollectionIntervalSeconds: 60,
			CleanupIntervalSeconds:    3600,
			CacheTTLSeconds:           30,
			CollectConcurrency:        10,
		},
		Health: models.HealthConfig{
			ResultBufferSize:             10000,
			MaxConcurrentChecks:          10,
			OrchestrationIntervalSeconds: 30,
			UptimeLookbackHours:          24,
			DefaultIntervalSeconds:       60,
			DefaultTimeoutSeconds:        10,
		},
		Alerting: models.AlertingConfig{
			DefaultCooldownMinutes:     15,
			CorrelationWindowMinutes:   30,
			EscalationIntervalSeconds:  60,
			CleanupIntervalSeconds:     3600,
			RetentionDays:              30,
			ExpireAfterHours:           72,
			QueueSize:                  1000,
			NotificationTimeoutSeconds: 10,
			ChannelRatePerMinute:       60,
		},
		Tracing: models.TracingConfig{
			RetentionHours:         168,
			BufferSize:             50000,
			DefaultSampleRate:      0.1,
			CompletionGraceSeconds: 5,
			QueueSize:              10000,
			CleanupIntervalSeconds: 3600,
			OTLPInsecure:           true,
		},
		Logs: models.LogsConfig{
			RetentionHours:          168,
			BufferSize:              100000,
			QueueSize:               10000,
			MetricsIntervalSeconds:  60,
			AnalysisIntervalSeconds: 300,
			CleanupIntervalSeconds:  3600,
			ErrorSpikeThreshold:     50,
		},
		Exposition: models.ExpositionConfig{
			Namespace:           "obscore",
			PushIntervalSeconds: 15,
			JobName:             "obscore",
		},
		Notifications: models.NotificationsConfig{
			NATS:  models.NATSConfig{Subject: "obscore.alerts"},
			Kafka: models.KafkaConfig{Topic: "obscore-alerts"},
		},
	}
}

// setDefaults registers every key so env overrides and Unmarshal see it.
func setDefaults(v *viper.Viper, cfg *models.Config) {
	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.file_path", cfg.Logging.FilePath)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	v.SetDefault("metrics.retention_hours", cfg.Metrics.RetentionHours)
	v.SetDefault("metrics.buffer_size", cfg.Metrics.BufferSize)
	v.SetDefault("metrics.collection_interval_seconds", cfg.Metrics.CollectionIntervalSeconds)
	v.SetDefault("metrics.cleanup_interval_seconds", cfg.Metrics.CleanupIntervalSeconds)
	v.SetDefault("metrics.cache_ttl_seconds", cfg.Metrics.CacheTTLSeconds)
	v.SetDefault("metrics.collect_concurrency", cfg.Metrics.CollectConcurrency)

	v.SetDefault("health.result_buffer_size", cfg.Health.ResultBufferSize)
	v.SetDefault("health.max_concurrent_checks", cfg.Health.MaxConcurrentChecks)
	v.SetDefault("health.orchestration_interval_seconds", cfg.Health.OrchestrationIntervalSeconds)
	v.SetDefault("health.uptime_lookback_hours", cfg.Health.UptimeLookbackHours)
	v.SetDefault("health.default_interval_seconds", cfg.Health.DefaultIntervalSeconds)
	v.SetDefault("health.default_timeout_seconds", cfg.Health.DefaultTimeoutSeconds)

	v.SetDefault("alerting.default_cooldown_minutes", cfg.Alerting.DefaultCooldownMinutes)
	v.SetDefault("alerting.correlation_window_minutes", cfg.Alerting.CorrelationWindowMinutes)
	v.SetDefault("alerting.escalation_interval_seconds", cfg.Alerting.EscalationIntervalSeconds)
	v.SetDefault("alerting.cleanup_interval_seconds", cfg.Alerting.CleanupIntervalSeconds)
	v.SetDefault("alerting.retention_days", cfg.Alerting.RetentionDays)
	v.SetDefault("alerting.expire_after_hours", cfg.Alerting.ExpireAfterHours)
	v.SetDefault("alerting.queue_size", cfg.Alerting.QueueSize)
	v.SetDefault("alerting.notification_timeout_seconds", cfg.Alerting.NotificationTimeoutSeconds)
	v.SetDefault("alerting.channel_rate_per_minute", cfg.Alerting.ChannelRatePerMinute)
	v.SetDefault("alerting.journal_path", cfg.Alerting.JournalPath)

	v.SetDefault("tracing.retention_hours", cfg.Tracing.RetentionHours)
	v.SetDefault("tracing.buffer_size", cfg.Tracing.BufferSize)
	v.SetDefault("tracing.default_sample_rate", cfg.Tracing.DefaultSampleRate)
	v.SetDefault("tracing.completion_grace_seconds", cfg.Tracing.CompletionGraceSeconds)
	v.SetDefault("tracing.queue_size", cfg.Tracing.QueueSize)
	v.SetDefault("tracing.cleanup_interval_seconds", cfg.Tracing.CleanupIntervalSeconds)
	v.SetDefault("tracing.otlp_endpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.otlp_insecure", cfg.Tracing.OTLPInsecure)

	v.SetDefault("logs.retention_hours", cfg.Logs.RetentionHours)
	v.SetDefault("logs.buffer_size", cfg.Logs.BufferSize)
	v.SetDefault("logs.queue_size", cfg.Logs.QueueSize)
	v.SetDefault("logs.metrics_interval_seconds", cfg.Logs.MetricsIntervalSeconds)
	v.SetDefault("logs.analysis_interval_seconds", cfg.Logs.AnalysisIntervalSeconds)
	v.SetDefault("logs.cleanup_interval_seconds", cfg.Logs.CleanupIntervalSeconds)
	v.SetDefault("logs.error_spike_threshold", cfg.Logs.ErrorSpikeThreshold)

	v.SetDefault("exposition.namespace", cfg.Exposition.Namespace)
	v.SetDefault("exposition.push_gateway_url", cfg.Exposition.PushGatewayURL)
	v.SetDefault("exposition.push_interval_seconds", cfg.Exposition.PushIntervalSeconds)
	v.SetDefault("exposition.job_name", cfg.Exposition.JobName)

	v.SetDefault("notifications.slack.webhook_url", cfg.Notifications.Slack.WebhookURL)
	v.SetDefault("notifications.webhook.url", cfg.Notifications.Webhook.URL)
	v.SetDefault("notifications.nats.url", cfg.Notifications.NATS.URL)
	v.SetDefault("notifications.nats.subject", cfg.Notifications.NATS.Subject)
	v.SetDefault("notifications.kafka.brokers", cfg.Notifications.Kafka.Brokers)
	v.SetDefault("notifications.kafka.topic", cfg.Notifications.Kafka.Topic)

	v.SetDefault("rules_file", cfg.RulesFile)
}

// Load reads the configuration file and environment overrides. A missing
// file is not an error: defaults plus environment are returned.
func (cm *viperConfigManager) Load() (*models.Config, error) {
	v := viper.New()
	if cm.configFile != "" {
		v.SetConfigFile(cm.configFile)
	} else {
		v.SetConfigName(".obscore")
		v.SetConfigType("yaml")
		v.AddConfigPath(cm.basePath)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		cm.used = v.ConfigFileUsed()
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the file read by the last Load, or ""
// when defaults were used.
func (cm *viperConfigManager) ConfigFileUsed() string {
	return cm.used
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validLogFormats = map[string]bool{"json": true, "console": true}
var validLogOutputs = map[string]bool{"stdout": true, "stderr": true, "file": true, "both": true}

// ValidateConfig checks the configuration for invalid values and returns a
// single error listing every problem found.
func (cm *viperConfigManager) ValidateConfig(cfg *models.Config) error {
	return Validate(cfg)
}

// Validate is the package-level form of ValidateConfig.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string
	positive := func(key string, val int) {
		if val <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive, got %d", key, val))
		}
	}
	nonNegative := func(key string, val int) {
		if val < 0 {
			errs = append(errs, fmt.Sprintf("%s must be non-negative, got %d", key, val))
		}
	}

	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid, must be one of: debug, info, warn, error", cfg.Logging.Level))
	}
	if !validLogFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid, must be json or console", cfg.Logging.Format))
	}
	if !validLogOutputs[strings.ToLower(cfg.Logging.Output)] {
		errs = append(errs, fmt.Sprintf("logging.output %q is invalid, must be one of: stdout, stderr, file, both", cfg.Logging.Output))
	}
	if out := strings.ToLower(cfg.Logging.Output); (out == "file" || out == "both") && cfg.Logging.FilePath == "" {
		errs = append(errs, fmt.Sprintf("logging.file_path is required when logging.output is %q", cfg.Logging.Output))
	}

	positive("metrics.retention_hours", cfg.Metrics.RetentionHours)
	positive("metrics.buffer_size", cfg.Metrics.BufferSize)
	positive("metrics.collection_interval_seconds", cfg.Metrics.CollectionIntervalSeconds)
	positive("metrics.cleanup_interval_seconds", cfg.Metrics.CleanupIntervalSeconds)
	nonNegative("metrics.cache_ttl_seconds", cfg.Metrics.CacheTTLSeconds)
	positive("metrics.collect_concurrency", cfg.Metrics.CollectConcurrency)

	positive("health.result_buffer_size", cfg.Health.ResultBufferSize)
	positive("health.max_concurrent_checks", cfg.Health.MaxConcurrentChecks)
	positive("health.orchestration_interval_seconds", cfg.Health.OrchestrationIntervalSeconds)
	positive("health.uptime_lookback_hours", cfg.Health.UptimeLookbackHours)
	positive("health.default_interval_seconds", cfg.Health.DefaultIntervalSeconds)
	positive("health.default_timeout_seconds", cfg.Health.DefaultTimeoutSeconds)

	nonNegative("alerting.default_cooldown_minutes", cfg.Alerting.DefaultCooldownMinutes)
	positive("alerting.correlation_window_minutes", cfg.Alerting.CorrelationWindowMinutes)
	positive("alerting.escalation_interval_seconds", cfg.Alerting.EscalationIntervalSeconds)
	positive("alerting.cleanup_interval_seconds", cfg.Alerting.CleanupIntervalSeconds)
	positive("alerting.retention_days", cfg.Alerting.RetentionDays)
	nonNegative("alerting.expire_after_hours", cfg.Alerting.ExpireAfterHours)
	positive("alerting.queue_size", cfg.Alerting.QueueSize)
	positive("alerting.notification_timeout_seconds", cfg.Alerting.NotificationTimeoutSeconds)
	positive("alerting.channel_rate_per_minute", cfg.Alerting.ChannelRatePerMinute)

	positive("tracing.retention_hours", cfg.Tracing.RetentionHours)
	positive("tracing.buffer_size", cfg.Tracing.BufferSize)
	if cfg.Tracing.DefaultSampleRate < 0 || cfg.Tracing.DefaultSampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.default_sample_rate must be within [0,1], got %g", cfg.Tracing.DefaultSampleRate))
	}
	nonNegative("tracing.completion_grace_seconds", cfg.Tracing.CompletionGraceSeconds)
	positive("tracing.queue_size", cfg.Tracing.QueueSize)
	positive("tracing.cleanup_interval_seconds", cfg.Tracing.CleanupIntervalSeconds)

	positive("logs.retention_hours", cfg.Logs.RetentionHours)
	positive("logs.buffer_size", cfg.Logs.BufferSize)
	positive("logs.queue_size", cfg.Logs.QueueSize)
	positive("logs.metrics_interval_seconds", cfg.Logs.MetricsIntervalSeconds)
	positive("logs.analysis_interval_seconds", cfg.Logs.AnalysisIntervalSeconds)
	positive("logs.cleanup_interval_seconds", cfg.Logs.CleanupIntervalSeconds)
	positive("logs.error_spike_threshold", cfg.Logs.ErrorSpikeThreshold)

	if cfg.Exposition.PushGatewayURL != "" {
		positive("exposition.push_interval_seconds", cfg.Exposition.PushIntervalSeconds)
		if cfg.Exposition.JobName == "" {
			errs = append(errs, "exposition.job_name must not be empty when a push gateway is configured")
		}
	}
	if cfg.Notifications.NATS.URL != "" && cfg.Notifications.NATS.Subject == "" {
		errs = append(errs, "notifications.nats.subject must not be empty when notifications.nats.url is set")
	}
	if len(cfg.Notifications.Kafka.Brokers) > 0 && cfg.Notifications.Kafka.Topic == "" {
		errs = append(errs, "notifications.kafka.topic must not be empty when brokers are set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
