// Package main is the entrypoint for the ztp CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	// Import vendors to register them
	_ "github.com/eugenetaranov/ztp/internal/vendor/cros"
	_ "github.com/eugenetaranov/ztp/internal/vendor/eos"
	_ "github.com/eugenetaranov/ztp/internal/vendor/linux"

	"github.com/eugenetaranov/ztp/internal/device"
	"github.com/eugenetaranov/ztp/internal/logger"
	"github.com/eugenetaranov/ztp/internal/output"
	"github.com/eugenetaranov/ztp/internal/vendor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug     bool
	noColor   bool
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ztp",
	Short: "ztp - Zero-touch provisioning for network devices",
	Long: `ztp probes network devices, gathers their facts, runs CLI commands
and pushes configuration as stage-then-commit transactions.

Devices are reached over SSH, or through docker exec for containerized
lab images. Provisioning plans apply steps to many devices at once.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	defaults := logger.DefaultConfig()

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", defaults.Debug, "Enable debug output and logs")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", defaults.Level, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", defaults.Format, "Log format (console, json)")

	// Add subcommands
	rootCmd.AddCommand(factsCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(vendorsCmd)
}

// newLogger builds the process logger from the global flags. Logs go to
// stderr, results to stdout.
func newLogger() (zerolog.Logger, error) {
	config := logger.DefaultConfig()
	config.Debug = debug
	config.Level = logLevel
	config.Format = logFormat
	config.NoColor = noColor || !isatty.IsTerminal(os.Stderr.Fd())
	return logger.New(config)
}

// newOutput returns the stdout writer for results.
func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor && isatty.IsTerminal(os.Stdout.Fd()))
	out.SetDebug(debug)
	return out
}

// newController creates a device controller over the registered vendors.
func newController() (*device.Controller, zerolog.Logger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, log, fmt.Errorf("invalid log settings: %w", err)
	}
	return device.New(vendor.Default, logger.WithComponent(log, "device")), log, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, closing sessions...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// vendorsCmd lists registered vendors
var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List supported device operating systems",
	Long:  `Display the OS names that can be passed to --os or used in plans.`,
	Run: func(cmd *cobra.Command, args []string) {
		names := vendor.List()
		if len(names) == 0 {
			fmt.Println("No vendors registered.")
			return
		}

		fmt.Println("Supported operating systems:")
		fmt.Println()
		for _, name := range names {
			b, err := vendor.Lookup(name)
			if err != nil {
				continue
			}
			fmt.Printf("  - %-8s %-8s %s\n", name, b.Vendor, b.Description)
		}
		fmt.Println()
		fmt.Printf("Total: %d vendors\n", len(names))
	},
}
