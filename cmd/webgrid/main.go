package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webgrid-go/webgrid/cmd/webgrid/commands"
	"github.com/webgrid-go/webgrid/internal/config"
	"github.com/webgrid-go/webgrid/logger"
)

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogFormat  string
	flagBusAddr    string
	flagBusPass    string
	flagBusDB      int
	flagProbeAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "webgrid",
	Short: "WebGrid - distributed WebDriver grid control plane",
	Long: `WebGrid drives a session lifecycle control plane across seven
cooperating services talking only through a shared coordination bus:
ingress, manager, scheduler, orchestrator, node, archiver, api-query.

Examples:
  webgrid ingress --bus-addr localhost:6379
  webgrid orchestrator mock --image chrome-stable=chrome=120
  webgrid node --session-id <id> --driver-binary /usr/bin/chromedriver
  webgrid archiver --db webgrid-archive.db`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		bind := func(key, flagName string) {
			_ = v.BindPFlag(key, cmd.Flags().Lookup(flagName))
		}
		bind("log.level", "log-level")
		bind("log.format", "log-format")
		bind("bus.addr", "bus-addr")
		bind("bus.password", "bus-password")
		bind("bus.db", "bus-db")
		bind("probe.addr", "probe-addr")

		cfg, err := config.Load(v, flagConfigFile)
		if err != nil {
			return err
		}
		commands.SetConfig(cfg)

		os.Setenv("WEBGRID_LOG_LEVEL", cfg.Log.Level)
		if err := logger.Initialize(cfg.Log.Format == "json"); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to an optional TOML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "log output format (console|json)")
	rootCmd.PersistentFlags().StringVar(&flagBusAddr, "bus-addr", "localhost:6379", "coordination bus address")
	rootCmd.PersistentFlags().StringVar(&flagBusPass, "bus-password", "", "coordination bus password")
	rootCmd.PersistentFlags().IntVar(&flagBusDB, "bus-db", 0, "coordination bus database index")
	rootCmd.PersistentFlags().StringVar(&flagProbeAddr, "probe-addr", ":8080", "status-probe HTTP listen address")

	rootCmd.AddCommand(
		commands.IngressCmd,
		commands.SchedulerCmd,
		commands.OrchestratorCmd,
		commands.NodeCmd,
		commands.ArchiverCmd,
		commands.ApiQueryCmd,
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
