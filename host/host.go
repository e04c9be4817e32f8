package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"posdesk/metrics"
	"posdesk/util"
	"posdesk/util/goroutine"
)

// Handler serves one command. The returned value is JSON-encoded for the
// front end; a nil value encodes as null.
type Handler func(ctx context.Context, req *Request) (any, error)

// Plugin groups the commands of one capability. Command names are exposed
// to the front end as "<plugin>.<command>".
type Plugin interface {
	Name() string
	Commands() map[string]Handler
	Close() error
}

// Request is a single command invocation
type Request struct {
	ID      string
	Command string
	Args    json.RawMessage
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals the request arguments into v and validates struct tags.
// Empty arguments decode as an empty object.
func (r *Request) Decode(v any) error {
	raw := r.Args
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Errorf(KindInvalidRequest, "invalid arguments for %s: %v", r.Command, err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return Errorf(KindInvalidRequest, "invalid arguments for %s: %s", r.Command, strings.Join(fields, ", "))
		}
		return Errorf(KindInvalidRequest, "invalid arguments for %s: %v", r.Command, err)
	}
	return nil
}

// Response is the envelope returned for every invocation
type Response struct {
	ID     string        `json:"id"`
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *CommandError `json:"error,omitempty"`
}

// Host owns the registered plugins and dispatches commands to them.
// Invoke is safe for concurrent use.
type Host struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	plugins  []Plugin
	handlers map[string]Handler
	closed   bool

	events *Hub
}

// New creates an empty host. The event hub is created here but only
// delivers once Start has been called on it.
func New(logger *zap.SugaredLogger) *Host {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Host{
		logger:   logger,
		handlers: make(map[string]Handler),
		events:   NewHub(logger),
	}
}

// Register adds a plugin and its commands. Plugin and command names must be
// unique.
func (h *Host) Register(p Plugin) error {
	name := p.Name()
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("invalid plugin name %q", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New("host is closed")
	}
	for _, existing := range h.plugins {
		if existing.Name() == name {
			return fmt.Errorf("plugin %q already registered", name)
		}
	}

	commands := p.Commands()
	qualified := make(map[string]Handler, len(commands))
	for cmd, handler := range commands {
		full := name + "." + cmd
		if _, exists := h.handlers[full]; exists {
			return fmt.Errorf("command %q already registered", full)
		}
		if handler == nil {
			return fmt.Errorf("command %q has no handler", full)
		}
		qualified[full] = handler
	}
	for full, handler := range qualified {
		h.handlers[full] = handler
	}
	h.plugins = append(h.plugins, p)

	h.logger.Infow("Plugin registered",
		"plugin", name,
		"commands", len(qualified))
	return nil
}

// Commands lists every registered command name, sorted
func (h *Host) Commands() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plugins lists registered plugin names in registration order
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.plugins))
	for i, p := range h.plugins {
		names[i] = p.Name()
	}
	return names
}

// Invoke runs the named command. It never panics: handler panics are
// recovered into an internal CommandError.
func (h *Host) Invoke(ctx context.Context, name string, args json.RawMessage) Response {
	req := &Request{ID: uuid.NewString(), Command: name, Args: args}
	start := time.Now()

	h.mu.RLock()
	handler, ok := h.handlers[name]
	h.mu.RUnlock()

	if !ok {
		metrics.CommandsInvoked.WithLabelValues("unknown", KindUnknownCommand).Inc()
		return Response{ID: req.ID, Error: Errorf(KindUnknownCommand, "unknown command %q", name)}
	}

	result, cerr := h.dispatch(ctx, handler, req)
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if cerr != nil {
		metrics.CommandsInvoked.WithLabelValues(name, cerr.Kind).Inc()
		if cerr.Kind == KindInternal {
			h.logger.Errorw("Command failed",
				"command", name,
				"id", req.ID,
				"error", util.RedactString(cerr.Message))
		} else {
			h.logger.Debugw("Command rejected",
				"command", name,
				"id", req.ID,
				"kind", cerr.Kind)
		}
		return Response{ID: req.ID, Error: cerr}
	}

	metrics.CommandsInvoked.WithLabelValues(name, "ok").Inc()
	return Response{ID: req.ID, OK: true, Result: result}
}

func (h *Host) dispatch(ctx context.Context, handler Handler, req *Request) (result any, cerr *CommandError) {
	defer goroutine.RecoverWith("command:"+req.Command, h.logger, func(r any) {
		result = nil
		cerr = Errorf(KindInternal, "command %s panicked: %v", req.Command, r)
	})

	out, err := handler(ctx, req)
	if err != nil {
		return nil, ToCommandError(err)
	}
	return out, nil
}

// Events returns the host's event hub
func (h *Host) Events() *Hub {
	return h.events
}

// Emit broadcasts an event to connected front-end subscribers
func (h *Host) Emit(eventType string, data any) {
	if err := h.events.Broadcast(eventType, data); err != nil {
		h.logger.Warnw("Failed to emit event",
			"type", eventType,
			"error", err)
	}
}

// Close closes plugins in reverse registration order and joins their errors
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	plugins := h.plugins
	h.handlers = make(map[string]Handler)
	h.mu.Unlock()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Close(); err != nil {
			h.logger.Errorw("Plugin close failed",
				"plugin", p.Name(),
				"error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
			continue
		}
		h.logger.Debugw("Plugin closed", "plugin", p.Name())
	}
	return errors.Join(errs...)
}
