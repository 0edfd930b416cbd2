package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tempo/am"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage tempo configuration",
	Long: sym.AM + ` am - manage tempo configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (TEMPO_* prefix, e.g. TEMPO_DATABASE_PATH)
3. Project config (./am.toml, searched up the directory tree)
4. User config (~/.tempo/am.toml)
5. System config (/etc/tempo/am.toml)
6. Default values

Examples:
  tempo am show                    # Show current configuration
  tempo am show --format json      # Show configuration in JSON format
  tempo am get cluster.enabled     # Get a specific value
  tempo am init                    # Write the defaults to ~/.tempo/am.toml
  tempo am validate                # Validate current configuration`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pool.workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := am.GetViper()
		if ConfigPath != "" {
			v.SetConfigFile(ConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return errors.Wrapf(err, "failed to read config file %s", ConfigPath)
			}
		}
		if !v.IsSet(args[0]) {
			return errors.NewNotFoundError("configuration key %q", args[0])
		}
		fmt.Println(v.Get(args[0]))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amInitForce bool

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Long: `Write the default configuration to a file (default ~/.tempo/am.toml).

An existing file is kept unless --force is given; the previous version is
then rotated to <path>.back1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := am.UserConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.NewConfigurationError("no home directory; give a path")
		}
		if _, err := os.Stat(path); err == nil && !amInitForce {
			pterm.Warning.Printf("%s exists; use --force to overwrite\n", path)
			return nil
		}
		cfg, err := am.DefaultConfig()
		if err != nil {
			return err
		}
		if err := am.Save(path, cfg); err != nil {
			return err
		}
		pterm.Success.Printf("%s Wrote %s\n", sym.AM, path)
		return nil
	},
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&amInitForce, "force", false, "Overwrite an existing file")

	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := am.Marshal(cfg)
	if err != nil {
		return err
	}

	switch configFormat {
	case "toml":
		fmt.Printf("# tempo configuration\n%s", data)
		return nil
	case "json", "yaml":
	default:
		return errors.NewConfigurationError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	// Re-render the TOML document so durations stay human-readable strings
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "failed to read rendered config")
	}
	if configFormat == "json" {
		return printJSON(doc)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config to YAML")
	}
	fmt.Printf("# tempo configuration\n%s", out)
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal JSON")
	}
	fmt.Println(string(data))
	return nil
}
