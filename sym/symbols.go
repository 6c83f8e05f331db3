// Package sym defines the symbols episodic attaches to log lines and CLI output.
// They are stable across the CLI, the HTTP surface and the logs.
package sym

// System symbols.
const (
	Pulse      = "꩜" // scheduling, dispatch, budget
	PulseOpen  = "✿" // graceful startup with stranded job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)
