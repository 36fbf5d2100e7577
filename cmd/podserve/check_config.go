package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lakowske/podserve/internal/config"
	"github.com/lakowske/podserve/internal/logger"
	"github.com/lakowske/podserve/internal/service"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config <service>",
	Short: "Validate service configuration and exit",
	Long: `Resolve the configuration for a service from built-in defaults, the
optional defaults file, and the environment, then validate it without
starting anything.`,
	Args: cobra.ExactArgs(1),
	Run:  runCheckConfig,
}

func runCheckConfig(cmd *cobra.Command, args []string) {
	kind, err := service.ParseKind(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New("error", "text")
	cfg := config.New(string(kind), log)

	defaultsPath := envFilePath()
	if defaultsPath != "" {
		if err := cfg.ApplyDefaultsFile(defaultsPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply defaults file: %v\n", err)
			os.Exit(1)
		}
	}

	svc, err := service.New(kind, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	failed := false
	if missing := cfg.MissingRequired(svc.RequiredVars()); len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "missing required variables: %v\n", missing)
		failed = true
	}
	if err := svc.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		failed = true
	}
	if failed {
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid for service %q\n", kind)
	fmt.Printf("  Health port:    %d\n", cfg.GetInt("HEALTH_CHECK_PORT", 8080))
	fmt.Printf("  Data dir:       %s\n", cfg.GetDefault("DATA_DIR", "/data"))
	fmt.Printf("  SSL enabled:    %v\n", cfg.SSLEnabled())
	if defaultsPath != "" {
		fmt.Printf("  Defaults file:  %s\n", defaultsPath)
	}
	fmt.Printf("  Directories:    %d\n", len(svc.Directories()))
}
