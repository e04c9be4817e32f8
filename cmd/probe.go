package cmd

import (
	"context"
	"fmt"
	"time"

	"posdesk/host"
	"posdesk/migrate"
	"posdesk/util"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// newProbeCmd creates the 'probe' subcommand
func newProbeCmd(opts *cliOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the migration database is reachable",
		Long: `Connect to the PostgreSQL database named by the migration connection
descriptor and report its server version. The migration itself never probes;
this is a diagnostic for operators.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.Migration.ProbeTimeout
			}

			stdout := cmd.OutOrStdout()
			runner := migrate.NewRunner(migrate.OptionsFromConfig(cfg.Migration), newCLILogger(cmd.ErrOrStderr(), opts))
			descriptor, fromEnv := runner.DatabaseURL()

			var s *spinner.Spinner
			if !opts.quiet && !opts.structured() {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Probing %s...", redactDescriptor(descriptor))
				s.Start()
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, probeErr := migrate.Probe(ctx, descriptor, timeout)

			if s != nil {
				s.Stop()
			}

			if opts.structured() {
				var out any = result
				if probeErr != nil {
					cerr := host.ToCommandError(probeErr)
					cerr.Message = util.RedactString(cerr.Message)
					out = cerr
				}
				if err := outputStructured(stdout, opts, out); err != nil {
					return err
				}
				if probeErr != nil {
					return &exitError{code: ExitFailure, err: probeErr, silent: true}
				}
				return nil
			}

			if probeErr != nil {
				errorColor.Fprintln(cmd.ErrOrStderr(), "✗ Database unreachable")
				printField(cmd.ErrOrStderr(), "Kind", host.ToCommandError(probeErr).Kind)
				printField(cmd.ErrOrStderr(), "Error", util.RedactError(probeErr))
				if !fromEnv {
					warningColor.Fprintf(cmd.ErrOrStderr(), "  %s is not set; probed the configured default\n", cfg.Migration.DatabaseURLEnv)
				}
				return &exitError{code: ExitFailure, err: probeErr, silent: true}
			}

			if opts.quiet {
				return nil
			}
			successColor.Fprintln(stdout, "✓ Database reachable")
			printField(stdout, "Host", fmt.Sprintf("%s:%d", result.Host, result.Port))
			printField(stdout, "Database", result.Database)
			printField(stdout, "User", result.User)
			printField(stdout, "Server version", result.ServerVersion)
			printField(stdout, "Latency", fmt.Sprintf("%dms", result.LatencyMS))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Connection timeout (default: migration.probe_timeout)")

	return cmd
}

func redactDescriptor(descriptor string) string {
	return util.RedactURL(descriptor)
}
