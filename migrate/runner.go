package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"posdesk/config"
	"posdesk/metrics"
	"posdesk/util"
)

const (
	cancelWaitDelay = 2 * time.Second

	// enough of the child's stderr to hold the shell's last diagnostic
	stderrTailBytes = 4096
)

// Options configures a Runner. Zero-valued hooks fall back to the real
// process environment.
type Options struct {
	Command            string
	DatabaseURLEnv     string
	DefaultDatabaseURL string
	WindowsShell       string
	PosixShell         string

	// GOOS selects the shell; defaults to runtime.GOOS
	GOOS string

	Stdout io.Writer
	Stderr io.Writer

	Getwd     func() (string, error)
	LookupEnv func(string) (string, bool)
	Environ   func() []string
}

// OptionsFromConfig builds runner options from the migration config section
func OptionsFromConfig(cfg config.Migration) Options {
	return Options{
		Command:            cfg.Command,
		DatabaseURLEnv:     cfg.DatabaseURLEnv,
		DefaultDatabaseURL: cfg.DefaultDatabaseURL,
		WindowsShell:       cfg.WindowsShell,
		PosixShell:         cfg.PosixShell,
	}
}

// Invocation is the fully resolved subprocess of one run
type Invocation struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string

	// DatabaseURL is the descriptor injected under EnvVar
	DatabaseURL string
	EnvVar      string
	// FromEnv reports whether DatabaseURL came from the environment
	FromEnv bool
}

// Outcome records one completed run
type Outcome struct {
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
	OK         bool      `json:"ok" yaml:"ok"`
	Error      *Error    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Runner runs the external migration command. Run may be called
// concurrently; every call starts a new subprocess.
type Runner struct {
	opts   Options
	logger *zap.SugaredLogger

	// exec runs the prepared command; replaced in tests
	exec func(*exec.Cmd) error

	mu   sync.Mutex
	last *Outcome
	runs int
}

// NewRunner creates a runner, filling unset options with defaults
func NewRunner(opts Options, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Command == "" {
		opts.Command = "yarn db:migrate"
	}
	if opts.DatabaseURLEnv == "" {
		opts.DatabaseURLEnv = "DATABASE_URL"
	}
	if opts.DefaultDatabaseURL == "" {
		opts.DefaultDatabaseURL = config.PlaceholderDatabaseURL
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Getwd == nil {
		opts.Getwd = os.Getwd
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	return &Runner{
		opts:   opts,
		logger: logger,
		exec:   func(cmd *exec.Cmd) error { return cmd.Run() },
	}
}

// WorkDir returns the parent of the current working directory
func (r *Runner) WorkDir() (string, error) {
	wd, err := r.opts.Getwd()
	if err != nil {
		return "", &Error{Kind: KindDirectoryResolution, Err: err}
	}
	wd = filepath.Clean(wd)
	parent := filepath.Dir(wd)
	if parent == wd {
		return "", &Error{Kind: KindDirectoryResolution, Err: fmt.Errorf("%s has no parent directory", wd)}
	}
	return parent, nil
}

// DatabaseURL returns the connection descriptor from the environment, or
// the configured default when the variable is unset. It is read on every
// call and never validated.
func (r *Runner) DatabaseURL() (string, bool) {
	if v, ok := r.opts.LookupEnv(r.opts.DatabaseURLEnv); ok {
		return v, true
	}
	return r.opts.DefaultDatabaseURL, false
}

// Plan resolves the subprocess without starting it
func (r *Runner) Plan() (*Invocation, error) {
	dir, err := r.WorkDir()
	if err != nil {
		return nil, err
	}
	url, fromEnv := r.DatabaseURL()
	shell, args := ShellCommand(r.opts.GOOS, r.opts.WindowsShell, r.opts.PosixShell, r.opts.Command)

	return &Invocation{
		Shell:       shell,
		Args:        args,
		Dir:         dir,
		Env:         mergeEnv(r.opts.Environ(), r.opts.DatabaseURLEnv, url, r.opts.GOOS == "windows"),
		DatabaseURL: url,
		EnvVar:      r.opts.DatabaseURLEnv,
		FromEnv:     fromEnv,
	}, nil
}

// Run executes the migration command and waits for it to exit. It never
// retries and sets no deadline of its own; ctx cancellation kills the
// subprocess.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	merr := r.run(ctx)

	outcome := Outcome{StartedAt: start, DurationMS: time.Since(start).Milliseconds(), OK: merr == nil, Error: merr}
	r.mu.Lock()
	r.last = &outcome
	r.runs++
	r.mu.Unlock()

	metrics.MigrationDuration.Observe(time.Since(start).Seconds())
	if merr != nil {
		metrics.MigrationRuns.WithLabelValues(string(merr.Kind)).Inc()
		r.logger.Errorw("Database migration failed",
			"kind", merr.Kind,
			"code", merr.Code,
			"error", util.RedactError(merr),
			"duration", time.Since(start))
		return merr
	}

	metrics.MigrationRuns.WithLabelValues("ok").Inc()
	r.logger.Infow("Database migrations completed successfully",
		"duration", time.Since(start))
	return nil
}

func (r *Runner) run(ctx context.Context) *Error {
	inv, err := r.Plan()
	if err != nil {
		var merr *Error
		if errors.As(err, &merr) {
			return merr
		}
		return &Error{Kind: KindDirectoryResolution, Err: err}
	}

	if !inv.FromEnv {
		r.logger.Warnw("Connection descriptor not set, using configured default",
			"env", inv.EnvVar)
	}
	r.logger.Infow("Running database migrations",
		"command", r.opts.Command,
		"shell", inv.Shell,
		"dir", inv.Dir,
		"database_url", util.RedactURL(inv.DatabaseURL))

	cmd := exec.CommandContext(ctx, inv.Shell, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stdout = r.opts.Stdout
	cmd.Stderr = io.MultiWriter(r.opts.Stderr, tail)
	// bounds output draining when a cancelled shell leaves children behind
	cmd.WaitDelay = cancelWaitDelay

	return r.classify(r.exec(cmd), string(tail.buf))
}

// classify maps the result of cmd.Run to a migration error. The shell's
// "command not found" status only counts as a launch failure when stderr
// ends with the shell's own diagnostic; a tool that exits 127 by itself is
// a command failure.
func (r *Runner) classify(err error, stderrTail string) *Error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		switch {
		case code < 0:
			return &Error{Kind: KindCommandFailed, Err: err}
		case code == commandNotFoundStatus(r.opts.GOOS) && shellReportedMissing(stderrTail):
			return &Error{Kind: KindLaunchFailed, Code: intPtr(code), Err: fmt.Errorf("%q not found by %s", r.opts.Command, r.opts.shellName())}
		default:
			return &Error{Kind: KindCommandFailed, Code: intPtr(code), Err: err}
		}
	}
	return &Error{Kind: KindLaunchFailed, Err: err}
}

func (o Options) shellName() string {
	shell, _ := ShellCommand(o.GOOS, o.WindowsShell, o.PosixShell, "")
	return shell
}

// LastOutcome returns the most recent run, if any
func (r *Runner) LastOutcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Outcome{}, false
	}
	return *r.last, true
}

// Runs returns how many times Run has completed
func (r *Runner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}
