package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate configuration",
	Long: sym.AM + ` am — Show and validate configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (EPISODIC_* prefix, e.g. EPISODIC_PULSE_WORKERS)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.episodic/am.toml)
4. System config (/etc/episodic/config.toml)
5. Default values

Examples:
  episodic am show                  # Effective configuration, secrets redacted
  episodic am show --format json    # Decoded configuration as JSON
  episodic am validate              # Validate current configuration
  episodic am where                 # Which config files are read`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load validates
		if _, err := am.Load(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration cascade (later overrides earlier):")
		active := am.ActiveConfigPath()
		for i, path := range am.ConfigPaths() {
			state := "missing"
			if _, err := os.Stat(path); err == nil {
				state = "found"
			}
			if path == active {
				state += ", watched for hot reload"
			}
			fmt.Printf("  %d. %s (%s)\n", i+1, path, state)
		}
		fmt.Println("  then EPISODIC_* environment variables")
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "toml":
		data, err := am.Render(am.GetViper())
		if err != nil {
			return err
		}
		fmt.Printf("# episodic configuration\n%s", string(data))

	case "json":
		redactSecrets(cfg)
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func redactSecrets(cfg *am.Config) {
	for _, s := range []*string{&cfg.Database.DSN, &cfg.Workflow.APIKey, &cfg.Server.CallbackToken, &cfg.Redis.Password} {
		if *s != "" {
			*s = "********"
		}
	}
}
