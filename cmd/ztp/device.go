package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/ztp/internal/configure"
	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/device"
	"github.com/eugenetaranov/ztp/internal/template"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// deviceFlags are shared by the single-device commands.
type deviceFlags struct {
	osName       string
	user         string
	password     string
	port         int
	skipProbe    bool
	probeTimeout time.Duration
	loginTimeout time.Duration
	jsonOutput   bool
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.osName, "os", "", "Device OS (see 'ztp vendors')")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "Login user (default: $ZTP_USER, then the vendor default)")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "Login password (default: $ZTP_PASSWORD)")
	cmd.Flags().IntVar(&f.port, "port", 0, "Transport port (default: 22 for ssh)")
	cmd.Flags().BoolVar(&f.skipProbe, "skip-probe", false, "Skip the reachability probe")
	cmd.Flags().DurationVar(&f.probeTimeout, "probe-timeout", 0, "Reachability probe timeout (default 3s)")
	cmd.Flags().DurationVar(&f.loginTimeout, "login-timeout", 0, "Login timeout (default: per vendor)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "Print results as JSON")
	_ = cmd.MarkFlagRequired("os")
}

// request builds the controller request for target.
func (f *deviceFlags) request(target string) device.Request {
	return device.Request{
		Target:      connector.Target{Address: target, Port: f.port},
		OSName:      f.osName,
		Credentials: credentials(f.user, f.password),
		Options: device.Options{
			SkipProbe:    f.skipProbe,
			ProbeTimeout: f.probeTimeout,
			LoginTimeout: f.loginTimeout,
		},
	}
}

// credentials resolves the login pair from flags, then ZTP_USER and
// ZTP_PASSWORD. An empty user selects the vendor default.
func credentials(user, password string) connector.Credentials {
	if user == "" {
		user = os.Getenv("ZTP_USER")
	}
	if password == "" {
		password = os.Getenv("ZTP_PASSWORD")
	}
	return connector.Credentials{User: user, Password: password}
}

var factsFlags deviceFlags

// factsCmd gathers facts from a device
var factsCmd = &cobra.Command{
	Use:   "facts <target>",
	Short: "Gather facts from a device",
	Long: `Probe the device, log in, run the vendor's fact commands and print
the decoded fact record.

Examples:
  ztp facts 192.0.2.11 --os cros
  ztp facts leaf1 --os ceos --json`,
	Args: cobra.ExactArgs(1),
	RunE: runFacts,
}

func init() {
	factsFlags.register(factsCmd)
}

func runFacts(cmd *cobra.Command, args []string) error {
	ctrl, _, err := newController()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rec, err := ctrl.Run(ctx, factsFlags.request(args[0]))
	if err != nil {
		return err
	}

	out := newOutput()
	if factsFlags.jsonOutput {
		return out.JSON(rec)
	}
	out.Facts(rec)
	return nil
}

var (
	execFlags       deviceFlags
	execCommands    []string
	continueOnError bool
)

// execCmd runs CLI commands on a device
var execCmd = &cobra.Command{
	Use:   "exec <target> -c <command> [-c <command> ...]",
	Short: "Run CLI commands on a device",
	Long: `Run commands in order over one session and print each result.
By default execution stops at the first failing command.

Examples:
  ztp exec 192.0.2.11 --os cros -c "show version" -c "show interface brief"
  ztp exec 192.0.2.11 --os cros -c "show bogus" -c "show clock" --continue-on-error`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execFlags.register(execCmd)
	execCmd.Flags().StringArrayVarP(&execCommands, "command", "c", nil, "Command to run (repeatable)")
	execCmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Run every command even after a failure")
	_ = execCmd.MarkFlagRequired("command")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctrl, _, err := newController()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	req := execFlags.request(args[0])
	req.Options.SkipFacts = true

	execution, err := ctrl.Execute(ctx, req, execCommands, !continueOnError)
	if err != nil {
		return err
	}

	out := newOutput()
	if execFlags.jsonOutput {
		if err := out.JSON(execution); err != nil {
			return err
		}
	} else {
		out.Execution(execution)
	}

	if !execution.OK {
		return fmt.Errorf("%d of %d command(s) failed", len(execution.Failed()), len(execCommands))
	}
	return nil
}

var (
	configureFlags   deviceFlags
	configureLines   []string
	configureFile    string
	configureComment string
	configureVars    []string
)

// configureCmd pushes configuration to a device
var configureCmd = &cobra.Command{
	Use:   "configure <target> (-l <line>... | -f <template>)",
	Short: "Push configuration to a device",
	Long: `Stage configuration lines and commit them as one transaction.

Lines come from -l flags or from a template file rendered with --var
values and the device facts (available as .facts).

Examples:
  ztp configure 192.0.2.11 --os cros -l "hostname leaf1" --comment bootstrap
  ztp configure 192.0.2.11 --os cros -f leaf.tmpl --var uplink=phy-1_1`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigure,
}

func init() {
	configureFlags.register(configureCmd)
	configureCmd.Flags().StringArrayVarP(&configureLines, "line", "l", nil, "Configuration line (repeatable)")
	configureCmd.Flags().StringVarP(&configureFile, "file", "f", "", "Configuration template file")
	configureCmd.Flags().StringVar(&configureComment, "comment", "", "Commit comment")
	configureCmd.Flags().StringArrayVar(&configureVars, "var", nil, "Template variable key=value (repeatable)")
	configureCmd.MarkFlagsMutuallyExclusive("line", "file")
	configureCmd.MarkFlagsOneRequired("line", "file")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	ctrl, _, err := newController()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	req := configureFlags.request(args[0])

	var res configure.Result
	if configureFile != "" {
		vars, err := parseVars(configureVars)
		if err != nil {
			return err
		}
		res, err = pushTemplate(ctx, ctrl, req, configureFile, vars)
		if err != nil {
			return err
		}
	} else {
		req.Options.SkipFacts = true
		res, err = ctrl.Push(ctx, req, configureLines, configureComment)
		if err != nil {
			return err
		}
	}

	out := newOutput()
	if configureFlags.jsonOutput {
		if err := out.JSON(res); err != nil {
			return err
		}
	} else {
		out.ConfigResult(res)
	}

	if !res.OK() {
		return errors.New("configuration was not committed")
	}
	return nil
}

// pushTemplate gathers facts, renders the template with them and commits
// the result over the same session.
func pushTemplate(ctx context.Context, ctrl *device.Controller, req device.Request, path string, vars map[string]any) (configure.Result, error) {
	var res configure.Result
	_, err := ctrl.Session(ctx, req, func(ctx context.Context, sess connector.Session, rec facts.Record) error {
		vars["facts"] = rec.Vars()
		rendered, err := template.RenderFile(path, vars)
		if err != nil {
			return err
		}
		res = configure.Apply(ctx, sess, template.Lines(rendered), configureComment)
		return nil
	})
	return res, err
}

// parseVars parses key=value pairs.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q (want key=value)", pair)
		}
		vars[key] = value
	}
	return vars, nil
}
