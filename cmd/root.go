// Package cmd provides command-line interface commands for posdesk.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"posdesk/bootstrap"
	"posdesk/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Process exit codes
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
)

// cliOptions holds the persistent flags shared by every subcommand
type cliOptions struct {
	configFile string
	outputJSON bool
	outputYAML bool
	noColor    bool
	quiet      bool
}

// exitError carries a process exit code. Silent errors were already
// reported in the command's own output.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailure
}

// NewRootCmd creates the posdesk command. Without a subcommand it runs the
// desktop shell host until SIGINT or SIGTERM.
func NewRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "posdesk",
		Short: "Desktop point-of-sale shell host",
		Long: `posdesk launches the point-of-sale desktop shell.

On startup it runs the project's database migration command, then exposes
the store, vault, fs, http, opener and migrations capabilities to the front
end over a loopback IPC bridge.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.noColor {
				color.NoColor = true
			}
			if opts.outputJSON && opts.outputYAML {
				return &exitError{code: ExitInvalidConfig, err: errors.New("--json and --yaml are mutually exclusive")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&opts.outputYAML, "yaml", false, "Output in YAML format")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newProbeCmd(opts))

	return rootCmd
}

// Execute runs the root command with os.Args and returns the exit code
func Execute() int {
	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || !ee.silent {
			errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		}
	}
	return ExitCode(err)
}

func runShell(ctx context.Context, opts *cliOptions) error {
	logger, sugar, err := bootstrap.InitLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar.Info("posdesk starting...")

	cfg, err := bootstrap.InitConfig(opts.configFile, sugar)
	if err != nil {
		return &exitError{code: ExitInvalidConfig, err: err}
	}

	app, err := bootstrap.NewAppWithConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

// loadConfig loads configuration for one-shot subcommands. Failures map to
// the invalid-config exit code.
func loadConfig(opts *cliOptions) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(opts.configFile)
	if err != nil {
		return nil, &exitError{code: ExitInvalidConfig, err: err}
	}
	return cfg, nil
}

// newCLILogger logs to w so structured stdout output stays parseable
func newCLILogger(w io.Writer, opts *cliOptions) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if opts.quiet || opts.outputJSON || opts.outputYAML {
		level = zapcore.ErrorLevel
	}
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if !color.NoColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), level)
	return zap.New(core).Sugar()
}

// structured reports whether output goes out as JSON or YAML
func (o *cliOptions) structured() bool {
	return o.outputJSON || o.outputYAML
}

// outputStructured writes data as JSON or YAML
func outputStructured(w io.Writer, opts *cliOptions, data any) error {
	if opts.outputYAML {
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(data); err != nil {
			return err
		}
		return encoder.Close()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-18s %s\n", key+":", value)
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}
