package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	chainDir   string

	rootCmd = &cobra.Command{
		Use:           "gasguard",
		Short:         "Gas sensor monitoring with safety-education evidence",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Receive sensor telemetry and serve the operator API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // serve.go
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify the evidence hash chain and every file it references",
		Args:  cobra.NoArgs,
		RunE:  runVerify, // verify.go
	}

	watchdogCmd = &cobra.Command{
		Use:   "watchdog [-- command [args...]]",
		Short: "Supervise gasguard and restart it when it dies or stops beating",
		Long: `Supervise a child process through the signal files in the data
directory. Without a command the current executable is run with "serve".`,
		RunE: runWatchdog, // watchdog.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gasguard.ini", "configuration file (ini, yaml or json)")
	verifyCmd.Flags().StringVar(&chainDir, "chain-dir", "", "directory holding hash_chain.json (default: <data_dir>/safety_photos)")

	rootCmd.AddCommand(serveCmd, verifyCmd, watchdogCmd)
}
