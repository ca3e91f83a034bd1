package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gasguard/internal/clock"
	"gasguard/internal/config"
	"gasguard/internal/logging"
	"gasguard/internal/watchdog"
)

func runWatchdog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Admin.LogLevel, cfg.Admin.LogFormat).With("component", "watchdog")

	launch, err := childLauncher(args)
	if err != nil {
		return err
	}
	sup := watchdog.NewSupervisor(watchdog.NewSignals(cfg.Env.DataDir), launch, watchdog.Options{
		HeartbeatInterval: cfg.Watchdog.HeartbeatInterval,
		HealthTimeout:     cfg.Watchdog.HealthTimeout,
		RestartDelay:      cfg.Watchdog.RestartDelay,
	}, clock.System{}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

// childLauncher runs args when given, otherwise this executable's serve
// command with the same config file.
func childLauncher(args []string) (watchdog.Launcher, error) {
	if len(args) > 0 {
		return watchdog.CommandLauncher(args[0], args[1:]...), nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return watchdog.CommandLauncher(self, "serve", "--config", config.ResolvePath(configPath)), nil
}
