package models

// Config holds every option recognised in .obscore.yaml. Field names map to
// nested YAML keys (e.g. metrics.retention_hours).
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	Health        HealthConfig        `yaml:"health" mapstructure:"health"`
	Alerting      AlertingConfig      `yaml:"alerting" mapstructure:"alerting"`
	Tracing       TracingConfig       `yaml:"tracing" mapstructure:"tracing"`
	Logs          LogsConfig          `yaml:"logs" mapstructure:"logs"`
	Exposition    ExpositionConfig    `yaml:"exposition" mapstructure:"exposition"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
	RulesFile     string              `yaml:"rules_file,omitempty" mapstructure:"rules_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" mapstructure:"format"` // json, console
	Output     string `yaml:"output" mapstructure:"output"` // stdout, stderr, file, both
	FilePath   string `yaml:"file_path,omitempty" mapstructure:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// MetricsConfig configures the metrics aggregator.
type MetricsConfig struct {
	RetentionHours            int `yaml:"retention_hours" mapstructure:"retention_hours"`
	BufferSize                int `yaml:"buffer_size" mapstructure:"buffer_size"`
	CollectionIntervalSeconds int `yaml:"collection_interval_seconds" mapstructure:"collection_interval_seconds"`
	CleanupIntervalSeconds    int `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
	CacheTTLSeconds           int `yaml:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
	CollectConcurrency        int `yaml:"collect_concurrency" mapstructure:"collect_concurrency"`
}

// HealthConfig configures the health orchestrator.
type HealthConfig struct {
	ResultBufferSize             int `yaml:"result_buffer_size" mapstructure:"result_buffer_size"`
	MaxConcurrentChecks          int `yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks"`
	OrchestrationIntervalSeconds int `yaml:"orchestration_interval_seconds" mapstructure:"orchestration_interval_seconds"`
	UptimeLookbackHours          int `yaml:"uptime_lookback_hours" mapstructure:"uptime_lookback_hours"`
	DefaultIntervalSeconds       int `yaml:"default_interval_seconds" mapstructure:"default_interval_seconds"`
	DefaultTimeoutSeconds        int `yaml:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
}

// AlertingConfig configures the alert manager.
type AlertingConfig struct {
	DefaultCooldownMinutes     int    `yaml:"default_cooldown_minutes" mapstructure:"default_cooldown_minutes"`
	CorrelationWindowMinutes   int    `yaml:"correlation_window_minutes" mapstructure:"correlation_window_minutes"`
	EscalationIntervalSeconds  int    `yaml:"escalation_interval_seconds" mapstructure:"escalation_interval_seconds"`
	CleanupIntervalSeconds     int    `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
	RetentionDays              int    `yaml:"retention_days" mapstructure:"retention_days"`
	ExpireAfterHours           int    `yaml:"expire_after_hours" mapstructure:"expire_after_hours"`
	QueueSize                  int    `yaml:"queue_size" mapstructure:"queue_size"`
	NotificationTimeoutSeconds int    `yaml:"notification_timeout_seconds" mapstructure:"notification_timeout_seconds"`
	ChannelRatePerMinute       int    `yaml:"channel_rate_per_minute" mapstructure:"channel_rate_per_minute"`
	JournalPath                string `yaml:"journal_path,omitempty" mapstructure:"journal_path"`
}

// TracingConfig configures the trace collector.
type TracingConfig struct {
	RetentionHours         int     `yaml:"retention_hours" mapstructure:"retention_hours"`
	BufferSize             int     `yaml:"buffer_size" mapstructure:"buffer_size"`
	DefaultSampleRate      float64 `yaml:"default_sample_rate" mapstructure:"default_sample_rate"`
	CompletionGraceSeconds int     `yaml:"completion_grace_seconds" mapstructure:"completion_grace_seconds"`
	QueueSize              int     `yaml:"queue_size" mapstructure:"queue_size"`
	CleanupIntervalSeconds int     `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
	OTLPEndpoint           string  `yaml:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	OTLPInsecure           bool    `yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
}

// LogsConfig configures the log aggregator.
type LogsConfig struct {
	RetentionHours          int `yaml:"retention_hours" mapstructure:"retention_hours"`
	BufferSize              int `yaml:"buffer_size" mapstructure:"buffer_size"`
	QueueSize               int `yaml:"queue_size" mapstructure:"queue_size"`
	MetricsIntervalSeconds  int `yaml:"metrics_interval_seconds" mapstructure:"metrics_interval_seconds"`
	AnalysisIntervalSeconds int `yaml:"analysis_interval_seconds" mapstructure:"analysis_interval_seconds"`
	CleanupIntervalSeconds  int `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
	ErrorSpikeThreshold     int `yaml:"error_spike_threshold" mapstructure:"error_spike_threshold"`
}

// ExpositionConfig configures the Prometheus surface.
type ExpositionConfig struct {
	Namespace           string `yaml:"namespace" mapstructure:"namespace"`
	PushGatewayURL      string `yaml:"push_gateway_url,omitempty" mapstructure:"push_gateway_url"`
	PushIntervalSeconds int    `yaml:"push_interval_seconds" mapstructure:"push_interval_seconds"`
	JobName             string `yaml:"job_name" mapstructure:"job_name"`
}

// NotificationsConfig holds per-channel delivery settings. A channel with no
// destination configured is not registered.
type NotificationsConfig struct {
	Slack   SlackConfig   `yaml:"slack" mapstructure:"slack"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
	NATS    NATSConfig    `yaml:"nats" mapstructure:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
}

// SlackConfig holds Slack incoming webhook settings.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`
}

// WebhookConfig holds generic JSON webhook settings.
type WebhookConfig struct {
	URL string `yaml:"url,omitempty" mapstructure:"url"`
}

// NATSConfig holds NATS publish settings.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty" mapstructure:"url"`
	Subject string `yaml:"subject" mapstructure:"subject"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}
