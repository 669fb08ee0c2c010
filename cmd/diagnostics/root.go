package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ryouol/agent-diagnostics/pkg/config"
	"github.com/ryouol/agent-diagnostics/pkg/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	v          *viper.Viper
}

// newRootCmd creates the root diagnostics command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWithFlags(&globalFlags{v: viper.New()})
}

func newRootCmdWithFlags(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "diagnostics",
		Short:         "Diagnostics service for multi-agent content pipelines",
		Long:          "diagnostics collects agent logs, tracks errors and alerts,\nprofiles agents and hosts debug sessions behind an HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides DIAG_LOG_LEVEL)")
	cmd.PersistentFlags().Bool("log-json", false, "always log JSON")
	_ = g.v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = g.v.BindPFlag("log.json", cmd.PersistentFlags().Lookup("log-json"))

	cmd.AddCommand(
		newServeCmd(g),
		newGenerateCmd(g),
		newSinkCmd(g),
	)
	return cmd
}

// load reads the configuration and builds the process logger.
func (g *globalFlags) load(service string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.v, g.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.JSON,
		Service: service,
	})
	return cfg, logger, nil
}
