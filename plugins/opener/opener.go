// Package opener hands URLs to the operating system's default handler.
package opener

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"posdesk/host"
	"posdesk/util"
	"posdesk/util/goroutine"
)

const KindSchemeNotAllowed = "scheme_not_allowed"

// DefaultSchemes are allowed when none are configured
var DefaultSchemes = []string{"http", "https", "mailto", "tel"}

// Launcher starts the platform handler. It must not wait for the handler
// to exit.
type Launcher func(ctx context.Context, name string, args ...string) error

// Command returns the platform launcher invocation for target
func Command(goos, target string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}
	case "darwin":
		return "open", []string{target}
	default:
		return "xdg-open", []string{target}
	}
}

// Plugin is the "opener" capability
type Plugin struct {
	schemes map[string]bool
	goos    string
	launch  Launcher
	logger  *zap.SugaredLogger
}

// Option customizes a Plugin
type Option func(*Plugin)

// WithLauncher replaces the process launcher
func WithLauncher(l Launcher) Option {
	return func(p *Plugin) { p.launch = l }
}

// WithGOOS selects the platform command table
func WithGOOS(goos string) Option {
	return func(p *Plugin) { p.goos = goos }
}

// New creates the plugin. An empty schemes list means DefaultSchemes.
func New(schemes []string, logger *zap.SugaredLogger, opts ...Option) *Plugin {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(schemes) == 0 {
		schemes = DefaultSchemes
	}
	p := &Plugin{
		schemes: make(map[string]bool, len(schemes)),
		goos:    runtime.GOOS,
		logger:  logger,
	}
	for _, s := range schemes {
		p.schemes[strings.ToLower(s)] = true
	}
	p.launch = p.startDetached
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string { return "opener" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"open_url": p.openURL,
	}
}

func (p *Plugin) Close() error { return nil }

type openArgs struct {
	URL string `json:"url" validate:"required,max=8192"`
}

func (p *Plugin) openURL(ctx context.Context, req *host.Request) (any, error) {
	var args openArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	u, err := url.Parse(args.URL)
	if err != nil {
		return nil, host.Errorf(host.KindInvalidRequest, "invalid url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, host.Errorf(host.KindInvalidRequest, "url has no scheme")
	}
	if !p.schemes[scheme] {
		return nil, host.Errorf(KindSchemeNotAllowed, "scheme %q is not allowed", scheme)
	}
	// a leading dash would be parsed as an option by the launcher
	target := u.String()
	if strings.HasPrefix(target, "-") {
		return nil, host.Errorf(host.KindInvalidRequest, "invalid url")
	}

	name, cmdArgs := Command(p.goos, target)
	if err := p.launch(ctx, name, cmdArgs...); err != nil {
		return nil, host.WithKind(host.KindUnavailable, fmt.Errorf("launch %s: %w", name, err))
	}
	p.logger.Infow("Opened URL", "scheme", scheme, "url", util.RedactURL(target), "launcher", name)
	return nil, nil
}

// startDetached starts the handler and reaps it in the background. The
// handler outlives the request, so ctx is not attached to the process.
func (p *Plugin) startDetached(_ context.Context, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	goroutine.Go("opener-reap", p.logger, func() {
		if err := cmd.Wait(); err != nil {
			p.logger.Warnw("URL handler exited with error", "launcher", name, "error", err)
		}
	})
	return nil
}
