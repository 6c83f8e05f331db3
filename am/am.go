package am

import "time"

// Config represents the episodic configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Pulse      PulseConfig      `mapstructure:"pulse"`
	Generation GenerationConfig `mapstructure:"generation"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Redis      RedisConfig      `mapstructure:"redis"`
}

// DatabaseConfig selects and configures the job store backend
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`          // "sqlite" (default) or "postgres"
	Path          string `mapstructure:"path"`            // SQLite file path
	DSN           string `mapstructure:"dsn"`             // PostgreSQL connection string
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"` // SQLite busy timeout
	MaxOpenConns  int    `mapstructure:"max_open_conns"`  // 0 = driver default
}

// ServerConfig configures the callback / control HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	CallbackToken  string   `mapstructure:"callback_token"` // shared secret for workflow callbacks; empty = open
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// PulseConfig configures the scheduler, dispatcher and sweeper loops
type PulseConfig struct {
	Workers                   int `mapstructure:"workers"`                     // concurrent dispatcher loops (default: 2)
	PollIntervalSeconds       int `mapstructure:"poll_interval_seconds"`       // idle claim poll interval
	SchedulerIntervalSeconds  int `mapstructure:"scheduler_interval_seconds"`  // materialization tick
	SweepIntervalSeconds      int `mapstructure:"sweep_interval_seconds"`      // lease / blocked / overdue sweep
	LeaseSeconds              int `mapstructure:"lease_seconds"`               // claim lease duration
	UnavailableBackoffSeconds int `mapstructure:"unavailable_backoff_seconds"` // delay after the workflow breaker opens
	StatusPollSeconds         int `mapstructure:"status_poll_seconds"`         // store / workflow status poll while awaiting
	ShutdownTimeoutSeconds    int `mapstructure:"shutdown_timeout_seconds"`
}

// GenerationConfig holds the generation window and retry policy
type GenerationConfig struct {
	WindowMinutes          int   `mapstructure:"window_minutes"`            // earliest start = delivery - window
	SafetyMarginMinutes    int   `mapstructure:"safety_margin_minutes"`     // deadline = delivery - margin
	MaxAttempts            int   `mapstructure:"max_attempts"`              // attempts per job
	BackoffMinutes         []int `mapstructure:"backoff_minutes"`           // delay after attempt n; last entry repeats
	BlockedCountsAsAttempt bool  `mapstructure:"blocked_counts_as_attempt"` // admission rejection charges an attempt
}

// BudgetConfig configures the per-tenant daily cost breaker
type BudgetConfig struct {
	DailyCostCap            float64            `mapstructure:"daily_cost_cap"`             // <= 0 disables the breaker
	TenantCaps              map[string]float64 `mapstructure:"tenant_caps"`                // per-tenant overrides
	LedgerTimezone          string             `mapstructure:"ledger_timezone"`            // ledger day boundary (default UTC)
	WorkflowStartsPerMinute int                `mapstructure:"workflow_starts_per_minute"` // 0 = unthrottled
}

// WorkflowConfig configures the external generation workflow client
type WorkflowConfig struct {
	BaseURL                 string `mapstructure:"base_url"`
	APIKey                  string `mapstructure:"api_key"`
	CallbackURL             string `mapstructure:"callback_url"` // advertised to the workflow for completion callbacks
	TimeoutSeconds          int    `mapstructure:"timeout_seconds"`
	BreakerFailureThreshold int    `mapstructure:"breaker_failure_threshold"` // consecutive failures before opening
	BreakerOpenSeconds      int    `mapstructure:"breaker_open_seconds"`
	PollStatus              bool   `mapstructure:"poll_status"` // poll the workflow status endpoint while awaiting
}

// DeliveryConfig configures how "episode ready" notifications leave the system
type DeliveryConfig struct {
	Mode           string `mapstructure:"mode"` // "log", "webhook", "redis"
	WebhookURL     string `mapstructure:"webhook_url"`
	RedisChannel   string `mapstructure:"redis_channel"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RedisConfig configures the shared Redis used for cross-process signalling
type RedisConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	CompletionChannel string `mapstructure:"completion_channel"`
}

// GenerationWindow returns the configured window as a duration
func (g GenerationConfig) GenerationWindow() time.Duration {
	return time.Duration(g.WindowMinutes) * time.Minute
}

// SafetyMargin returns the configured safety margin as a duration
func (g GenerationConfig) SafetyMargin() time.Duration {
	return time.Duration(g.SafetyMarginMinutes) * time.Minute
}

// BackoffSchedule returns the backoff entries as durations
func (g GenerationConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(g.BackoffMinutes))
	for _, m := range g.BackoffMinutes {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}

// Lease returns the claim lease duration
func (p PulseConfig) Lease() time.Duration {
	return time.Duration(p.LeaseSeconds) * time.Second
}

// PollInterval returns the idle claim poll interval
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// SchedulerInterval returns the materialization tick interval
func (p PulseConfig) SchedulerInterval() time.Duration {
	return time.Duration(p.SchedulerIntervalSeconds) * time.Second
}

// SweepInterval returns the sweeper interval
func (p PulseConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSeconds) * time.Second
}

// UnavailableBackoff returns the delay applied when the workflow is unavailable
func (p PulseConfig) UnavailableBackoff() time.Duration {
	return time.Duration(p.UnavailableBackoffSeconds) * time.Second
}

// StatusPoll returns the status poll interval used while awaiting an outcome
func (p PulseConfig) StatusPoll() time.Duration {
	return time.Duration(p.StatusPollSeconds) * time.Second
}

// ShutdownTimeout returns how long Stop waits for in-flight work
func (p PulseConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

// CapFor returns the daily cost cap that applies to tenantID
func (b BudgetConfig) CapFor(tenantID string) float64 {
	if c, ok := b.TenantCaps[tenantID]; ok {
		return c
	}
	return b.DailyCostCap
}

// LedgerLocation resolves the ledger timezone, defaulting to UTC
func (b BudgetConfig) LedgerLocation() (*time.Location, error) {
	if b.LedgerTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.LedgerTimezone)
}
