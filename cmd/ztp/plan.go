package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/ztp/internal/logger"
	"github.com/eugenetaranov/ztp/internal/plan"
	"github.com/eugenetaranov/ztp/internal/runner"
	"github.com/eugenetaranov/ztp/internal/vendor"
)

var (
	forks        int
	retryTimeout time.Duration
	planUser     string
	planPassword string
)

// runCmd applies a provisioning plan
var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Run a provisioning plan",
	Long: `Apply a plan's steps to all of its devices.

Unreachable devices are retried with exponential backoff until
--retry-timeout passes; failed logins are retried a few times.
Runs against the same address never overlap.

Examples:
  ztp run fabric.yaml
  ztp run fabric.yaml --forks 10 --debug`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().IntVarP(&forks, "forks", "f", 5, "Number of devices provisioned in parallel")
	runCmd.Flags().DurationVar(&retryTimeout, "retry-timeout", runner.DefaultRetryPolicy().MaxElapsed, "Give up on unreachable devices after this long (0 disables retries)")
	runCmd.Flags().StringVarP(&planUser, "user", "u", "", "Login user for devices without one (default: $ZTP_USER)")
	runCmd.Flags().StringVarP(&planPassword, "password", "p", "", "Login password for devices without one (default: $ZTP_PASSWORD)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	planPath := args[0]

	// Check if file exists
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return fmt.Errorf("plan not found: %s", planPath)
	}

	p, err := plan.ParseFile(planPath)
	if err != nil {
		return err
	}

	ctrl, log, err := newController()
	if err != nil {
		return err
	}

	r := runner.New(ctrl, newOutput(), logger.WithComponent(log, "runner"))
	r.Forks = forks
	r.Retry.MaxElapsed = retryTimeout
	r.Credentials = credentials(planUser, planPassword)

	ctx, cancel := signalContext()
	defer cancel()

	result, err := r.Run(ctx, p)
	if err != nil {
		return err
	}

	if !result.Success {
		os.Exit(2)
	}

	return nil
}

// validateCmd validates plans without running them
var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml> [plan2.yaml ...]",
	Short: "Validate one or more plans",
	Long: `Parse and validate plans without contacting any device.

This checks for:
  - Valid YAML syntax and known fields
  - Required fields (devices, target, os)
  - Supported device operating systems
  - Step structure and template files

Examples:
  ztp validate fabric.yaml
  ztp validate plans/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validatePlans,
}

func validatePlans(cmd *cobra.Command, args []string) error {
	var hasErrors bool

	for _, planPath := range args {
		if err := validatePlan(planPath); err != nil {
			fmt.Printf("FAIL: %s - %v\n", planPath, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", planPath)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more plans failed validation")
	}

	fmt.Printf("\nAll %d plan(s) valid.\n", len(args))
	return nil
}

func validatePlan(planPath string) error {
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return fmt.Errorf("not found")
	}

	p, err := plan.ParseFile(planPath)
	if err != nil {
		return err
	}

	if err := p.CheckTemplates(); err != nil {
		return err
	}

	var errs []string
	for _, dev := range p.Devices {
		req := p.Request(dev)
		if _, err := vendor.Lookup(req.OSName); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", dev.DisplayName(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d error(s): %s", len(errs), errs[0])
	}

	return nil
}
