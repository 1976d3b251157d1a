package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/internal/config"
	"gopkg.in/yaml.v3"
)

var configRulesFile string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and the rules file",
	Long: `Load .obscore.yaml (or --config) with environment overrides applied and
report every invalid value. The rules file named by rules_file (or --rules)
is parsed and validated too.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, mgr, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if used := mgr.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "Config %s is valid.\n", used)
		} else {
			fmt.Fprintln(out, "No config file found; defaults are valid.")
		}

		path := configRulesFile
		if path == "" {
			path = cfg.RulesFile
		}
		if path == "" {
			return nil
		}
		rs, err := mgr.LoadRules(ResolveRulesPath(BasePath, path))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Rules %s are valid: %d alert rule(s), %d escalation policy(ies), %d sampling rule(s), %d log pattern(s).\n",
			path, len(rs.AlertRules), len(rs.EscalationPolicies), len(rs.SamplingRules), len(rs.LogPatterns))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("formatting config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configDefaultRulesCmd = &cobra.Command{
	Use:   "default-rules",
	Short: "Print the built-in rule set as YAML",
	Long:  "Print the rules used when no rules_file is configured. Redirect the output to start a custom rules file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(config.DefaultRuleSet())
		if err != nil {
			return fmt.Errorf("formatting rules: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// ResolveRulesPath makes a relative rules path relative to basePath.
func ResolveRulesPath(basePath, path string) string {
	if path == "" || filepath.IsAbs(path) || basePath == "" {
		return path
	}
	return filepath.Join(basePath, path)
}

func init() {
	configValidateCmd.Flags().StringVar(&configRulesFile, "rules", "", "Rules file to validate (default is rules_file from config)")
	configCmd.AddCommand(configValidateCmd, configShowCmd, configDefaultRulesCmd)
	rootCmd.AddCommand(configCmd)
}
