package am

import (
	"time"

	"github.com/teranos/episodic/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required when database.driver = \"postgres\"")
		}
	default:
		return errors.Newf("database.driver must be \"sqlite\" or \"postgres\", got %q", c.Database.Driver)
	}

	if c.Server.Port < 0 {
		return errors.Newf("server.port must be >= 0, got %d", c.Server.Port)
	}

	// Pulse workers: 0 = scheduler/sweeper only node
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.LeaseSeconds <= 0 {
		return errors.Newf("pulse.lease_seconds must be > 0, got %d", c.Pulse.LeaseSeconds)
	}
	if c.Pulse.PollIntervalSeconds <= 0 {
		return errors.Newf("pulse.poll_interval_seconds must be > 0, got %d", c.Pulse.PollIntervalSeconds)
	}
	if c.Pulse.SchedulerIntervalSeconds <= 0 {
		return errors.Newf("pulse.scheduler_interval_seconds must be > 0, got %d", c.Pulse.SchedulerIntervalSeconds)
	}
	if c.Pulse.SweepIntervalSeconds <= 0 {
		return errors.Newf("pulse.sweep_interval_seconds must be > 0, got %d", c.Pulse.SweepIntervalSeconds)
	}

	g := c.Generation
	if g.MaxAttempts < 1 {
		return errors.Newf("generation.max_attempts must be >= 1, got %d", g.MaxAttempts)
	}
	if g.WindowMinutes <= 0 {
		return errors.Newf("generation.window_minutes must be > 0, got %d", g.WindowMinutes)
	}
	if g.SafetyMarginMinutes < 0 {
		return errors.Newf("generation.safety_margin_minutes must be >= 0, got %d", g.SafetyMarginMinutes)
	}
	if g.SafetyMarginMinutes >= g.WindowMinutes {
		return errors.Newf("generation.safety_margin_minutes (%d) must be smaller than generation.window_minutes (%d)",
			g.SafetyMarginMinutes, g.WindowMinutes)
	}
	if len(g.BackoffMinutes) == 0 {
		return errors.New("generation.backoff_minutes must have at least one entry")
	}
	for i, m := range g.BackoffMinutes {
		if m < 0 {
			return errors.Newf("generation.backoff_minutes[%d] must be >= 0, got %d", i, m)
		}
	}

	// Caps <= 0 disable the breaker, so any value is accepted
	if c.Budget.LedgerTimezone != "" {
		if _, err := time.LoadLocation(c.Budget.LedgerTimezone); err != nil {
			return errors.Wrapf(err, "budget.ledger_timezone %q is not a valid IANA zone", c.Budget.LedgerTimezone)
		}
	}
	if c.Budget.WorkflowStartsPerMinute < 0 {
		return errors.Newf("budget.workflow_starts_per_minute must be >= 0, got %d", c.Budget.WorkflowStartsPerMinute)
	}

	switch c.Delivery.Mode {
	case "", "log":
	case "webhook":
		if c.Delivery.WebhookURL == "" {
			return errors.New("delivery.webhook_url is required when delivery.mode = \"webhook\"")
		}
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("delivery.mode = \"redis\" requires redis.enabled = true")
		}
	default:
		return errors.Newf("delivery.mode must be log, webhook or redis, got %q", c.Delivery.Mode)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty when redis is enabled")
	}

	return nil
}
