package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	envFile   string
	logLevel  string
	logFormat string
	logFile   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "podserve",
	Short: "Container supervisor for pod infrastructure services",
	Long: `podserve - container supervisor for pod infrastructure services

One binary runs one service per container: it renders the daemon
configuration from environment variables, launches the daemons in the
foreground, and serves health, readiness, and Prometheus metrics
endpoints for the orchestrator.

Supported services:
  dns    BIND9 with a generated forward zone
  mail   Postfix + Dovecot with virtual mailboxes
  web    Apache httpd with optional TLS
  cert   TLS certificates (self-signed or certbot) with scheduled renewal

Examples:
  podserve run dns                   # Supervise BIND9
  podserve run mail                  # Supervise Postfix and Dovecot
  podserve check-config web          # Validate configuration and exit
  podserve version                   # Show version`,
	Version: version,
	Args:    cobra.MaximumNArgs(1),
	// A bare service name behaves like "run <service>" so the binary can
	// be the container entrypoint without wrapper scripts.
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			runService(cmd, args)
			return
		}
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", "",
		"Path to a YAML/JSON defaults file (default: PODSERVE_ENV_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: text or json (default: LOG_FORMAT)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Also write JSON logs to this rotating file (default: LOG_FILE)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

// envFilePath resolves the defaults file path: flag, then environment.
func envFilePath() string {
	if envFile != "" {
		return envFile
	}
	return os.Getenv("PODSERVE_ENV_FILE")
}
