package cmd

import (
	"errors"
	"fmt"
	"time"

	"posdesk/migrate"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the 'migrate' subcommand
func newMigrateCmd(opts *cliOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the database migration command once",
		Long: `Run the configured migration command (default "yarn db:migrate") in the
parent of the current directory, exactly as the shell does at startup.

The connection descriptor is taken from DATABASE_URL (or the configured
variable) and falls back to the configured default when unset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			runnerOpts := migrate.OptionsFromConfig(cfg.Migration)
			// keep stdout clean for structured output
			runnerOpts.Stdout = stdout
			if opts.structured() {
				runnerOpts.Stdout = stderr
			}
			runnerOpts.Stderr = stderr
			runner := migrate.NewRunner(runnerOpts, newCLILogger(stderr, opts))

			if dryRun {
				return renderPlan(cmd, opts, runner)
			}

			if !opts.quiet && !opts.structured() {
				infoColor.Fprintf(stdout, "Running database migrations with %s...\n", cfg.Migration.Command)
			}

			runErr := runner.Run(cmd.Context())
			outcome, _ := runner.LastOutcome()

			if opts.structured() {
				if err := outputStructured(stdout, opts, outcome); err != nil {
					return err
				}
				if runErr != nil {
					return &exitError{code: ExitFailure, err: runErr, silent: true}
				}
				return nil
			}

			if runErr != nil {
				renderFailure(cmd, runErr)
				return &exitError{code: ExitFailure, err: runErr, silent: true}
			}
			if !opts.quiet {
				successColor.Fprintln(stdout, "✓ Database migrations completed successfully!")
				printField(stdout, "Duration", (time.Duration(outcome.DurationMS) * time.Millisecond).String())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the resolved invocation without running it")

	return cmd
}

// planView is the --dry-run output. The descriptor is redacted.
type planView struct {
	Shell       string   `json:"shell" yaml:"shell"`
	Args        []string `json:"args" yaml:"args"`
	Dir         string   `json:"dir" yaml:"dir"`
	EnvVar      string   `json:"env_var" yaml:"env_var"`
	DatabaseURL string   `json:"database_url" yaml:"database_url"`
	FromEnv     bool     `json:"from_env" yaml:"from_env"`
}

func renderPlan(cmd *cobra.Command, opts *cliOptions, runner *migrate.Runner) error {
	inv, err := runner.Plan()
	if err != nil {
		return err
	}
	view := planView{
		Shell:       inv.Shell,
		Args:        inv.Args,
		Dir:         inv.Dir,
		EnvVar:      inv.EnvVar,
		DatabaseURL: redactDescriptor(inv.DatabaseURL),
		FromEnv:     inv.FromEnv,
	}
	stdout := cmd.OutOrStdout()
	if opts.structured() {
		return outputStructured(stdout, opts, view)
	}

	printSection(stdout, "Migration plan")
	printField(stdout, "Shell", fmt.Sprintf("%s %v", view.Shell, view.Args))
	printField(stdout, "Directory", view.Dir)
	source := "default"
	if view.FromEnv {
		source = "environment"
	}
	printField(stdout, view.EnvVar, fmt.Sprintf("%s (%s)", view.DatabaseURL, source))
	return nil
}

func renderFailure(cmd *cobra.Command, err error) {
	stderr := cmd.ErrOrStderr()
	errorColor.Fprintln(stderr, "✗ Database migration failed")

	var merr *migrate.Error
	if !errors.As(err, &merr) {
		fmt.Fprintf(stderr, "  %v\n", err)
		return
	}
	printField(stderr, "Kind", string(merr.Kind))
	if merr.Code != nil {
		printField(stderr, "Exit code", fmt.Sprintf("%d", *merr.Code))
	}
	printField(stderr, "Message", merr.Error())
	if merr.Kind == migrate.KindLaunchFailed {
		warningColor.Fprintln(stderr, "  Check that the migration tool is installed and on PATH")
	}
}
