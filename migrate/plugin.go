package migrate

import (
	"context"
	"time"

	"posdesk/host"
)

// EventStatus is emitted after every run with the Outcome as payload
const EventStatus = "migration:status"

// Emitter publishes events to the front end
type Emitter interface {
	Emit(eventType string, data any)
}

// Plugin exposes the runner to the front end as the "migrations" commands.
// A run is not tied to the request that started it: a front end that times
// out or disconnects leaves the subprocess running. Only Close cancels
// runs in flight.
type Plugin struct {
	runner       *Runner
	probeTimeout time.Duration
	events       Emitter

	lifetime context.Context
	cancel   context.CancelFunc
}

// StatusResult is returned by migrations.status
type StatusResult struct {
	Runs int      `json:"runs"`
	Last *Outcome `json:"last"`
}

// NewPlugin wraps runner. events may be nil.
func NewPlugin(runner *Runner, probeTimeout time.Duration, events Emitter) *Plugin {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Plugin{
		runner:       runner,
		probeTimeout: probeTimeout,
		events:       events,
		lifetime:     lifetime,
		cancel:       cancel,
	}
}

func (p *Plugin) Name() string { return "migrations" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"run":    p.run,
		"status": p.status,
		"probe":  p.probe,
	}
}

// Close cancels migrations still running
func (p *Plugin) Close() error {
	p.cancel()
	return nil
}

func (p *Plugin) run(ctx context.Context, _ *host.Request) (any, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(p.lifetime, cancel)
	defer stop()

	err := p.runner.Run(runCtx)
	if p.events != nil {
		if outcome, ok := p.runner.LastOutcome(); ok {
			p.events.Emit(EventStatus, outcome)
		}
	}
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (p *Plugin) status(context.Context, *host.Request) (any, error) {
	res := StatusResult{Runs: p.runner.Runs()}
	if outcome, ok := p.runner.LastOutcome(); ok {
		res.Last = &outcome
	}
	return res, nil
}

func (p *Plugin) probe(ctx context.Context, _ *host.Request) (any, error) {
	url, _ := p.runner.DatabaseURL()
	return Probe(ctx, url, p.probeTimeout)
}
