package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/report"
	"github.com/breeze-rmm/autopatch/internal/window"
)

var version = "0.1.0"

// Exit codes.
const (
	exitOK         = 0
	exitUsage      = 1
	exitReport     = 2
	exitWindow     = 3
	exitSubmission = 4
)

// cli holds the global flags and output streams of one invocation.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	cfgFile   string
	logLevel  string
	logFormat string
}

// exitError carries an exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "autopatch",
		Short:         "Report-driven patch scheduling",
		Long:          `AutoPatch - turns vulnerability reports into maintenance-window patch plans and change artifacts`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(c.stdout)
	rootCmd.SetErr(c.stderr)

	rootCmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is /etc/autopatch/autopatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format: text or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "AutoPatch v%s\n", version)
		},
	}

	rootCmd.AddCommand(newPlanCmd(c))
	rootCmd.AddCommand(newAuditCmd(c))
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	rootCmd := newRootCmd(c)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "autopatch: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "autopatch: %v\n", err)
	return exitUsage
}

// exitCode maps a run error to the documented exit codes.
func exitCode(err error) int {
	var (
		ee        *exitError
		malformed *report.MalformedReportError
		invalid   *report.InvalidRecordError
		win       *window.MalformedWindowError
		sub       *change.SubmissionError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitUsage
	case errors.As(err, &malformed), errors.As(err, &invalid):
		return exitReport
	case errors.As(err, &win):
		return exitWindow
	case errors.As(err, &sub):
		return exitSubmission
	default:
		return exitUsage
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
