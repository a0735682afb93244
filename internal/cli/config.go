package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/package-audit/pkgaudit/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage pkgaudit configuration",
	Long: `Manage pkgaudit configuration stored in <home>/config.yaml.

Available commands:
  show              - Show the effective configuration
  set <key> <value> - Set a configuration value
  get <key>         - Get a configuration value`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := resolveHome()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(home)
		if err != nil {
			return err
		}
		if jsonOutput {
			values := make(map[string]string)
			for _, k := range config.Keys() {
				values[k], _ = cfg.Get(k)
			}
			return outputJSON(cmd, values)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Fprintln(out(cmd), "# pkgaudit configuration")
		fmt.Fprintf(out(cmd), "# Location: %s\n\n", config.Path(home))
		fmt.Fprint(out(cmd), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in <home>/config.yaml.

Examples:
  pkgaudit config set lock.timeout 45s
  pkgaudit config set snapshots.retention_limit 20
  pkgaudit config set logging.format text

Available keys:
  ` + strings.Join(config.Keys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := resolveHome()
		if err != nil {
			return err
		}
		cfg, err := config.Load(home)
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(home, cfg); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := resolveHome()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(home)
		if err != nil {
			return err
		}
		value, err := cfg.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
