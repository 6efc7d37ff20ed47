package commands

import (
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sweetlink/sweetlink/internal/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers (show/get/set/path)",
		Long:  `Inspect and change values in the SweetLink config file.`,
		Example: `  sweetlink config get daemon.port
  sweetlink config set daemon.port 4460
  sweetlink config show`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigPathCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file and state directory paths",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("config: %s\n", config.ConfigPath())
			cmd.Printf("state:  %s\n", config.StateDir())
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get [key]",
		Short:   "Get a configuration value",
		Example: `  sweetlink config get session.commandTimeoutMs`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				return err
			}

			val := v.Get(args[0])
			if val == nil {
				cmd.Println("null")
				return nil
			}
			cmd.Printf("%v\n", val)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Example: `  sweetlink config set daemon.port 4460
  sweetlink config set codenames.backend redis`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
				return err
			}

			key, raw := args[0], args[1]
			var val any = raw
			if n, err := strconv.Atoi(raw); err == nil {
				val = n
			} else if b, err := strconv.ParseBool(raw); err == nil {
				val = b
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil && strings.Contains(raw, ".") {
				val = f
			}
			v.Set(key, val)

			var cfg config.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(&cfg); err != nil {
				return err
			}

			cmd.Printf("Updated %s = %v\n", key, val)
			return nil
		},
	}
}
