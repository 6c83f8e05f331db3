package am

import (
	"github.com/spf13/viper"
)

// Directory permissions for ~/.episodic
const DefaultDirPermissions = 0750

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "episodic.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.max_open_conns", 0)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	// Pulse loop defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.scheduler_interval_seconds", 60)
	v.SetDefault("pulse.sweep_interval_seconds", 30)
	v.SetDefault("pulse.lease_seconds", 900)              // 15 minutes
	v.SetDefault("pulse.unavailable_backoff_seconds", 60) // breaker open
	v.SetDefault("pulse.status_poll_seconds", 15)
	v.SetDefault("pulse.shutdown_timeout_seconds", 10)

	// Generation window and retry policy
	v.SetDefault("generation.window_minutes", 240)       // 4h before delivery
	v.SetDefault("generation.safety_margin_minutes", 15) // must finish 15m before delivery
	v.SetDefault("generation.max_attempts", 3)
	v.SetDefault("generation.backoff_minutes", []int{30, 60})
	v.SetDefault("generation.blocked_counts_as_attempt", false)

	// Budget defaults
	v.SetDefault("budget.daily_cost_cap", 50.0)
	v.SetDefault("budget.ledger_timezone", "UTC")
	v.SetDefault("budget.workflow_starts_per_minute", 0)

	// Workflow client defaults
	v.SetDefault("workflow.timeout_seconds", 30)
	v.SetDefault("workflow.breaker_failure_threshold", 5)
	v.SetDefault("workflow.breaker_open_seconds", 60)
	v.SetDefault("workflow.poll_status", false)

	// Delivery defaults
	v.SetDefault("delivery.mode", "log")
	v.SetDefault("delivery.redis_channel", "episodic:episodes:ready")
	v.SetDefault("delivery.timeout_seconds", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.completion_channel", "episodic:jobs:completed")
}

// BindSensitiveEnvVars binds secrets to explicit environment variables so they
// never need to live in a TOML file
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "EPISODIC_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("workflow.api_key", "EPISODIC_WORKFLOW_API_KEY")
	_ = v.BindEnv("server.callback_token", "EPISODIC_CALLBACK_TOKEN")
	_ = v.BindEnv("redis.password", "EPISODIC_REDIS_PASSWORD", "REDIS_PASSWORD")
}
