package vault

import (
	"context"

	"go.uber.org/zap"

	"posdesk/host"
)

// Plugin exposes a Vault as the "vault" commands. Secret values cross the
// bridge as UTF-8 strings.
type Plugin struct {
	vault  *Vault
	logger *zap.SugaredLogger
}

// NewPlugin wraps v
func NewPlugin(v *Vault, logger *zap.SugaredLogger) *Plugin {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Plugin{vault: v, logger: logger}
}

func (p *Plugin) Name() string { return "vault" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"unlock": p.unlock,
		"lock":   p.lock,
		"status": p.status,
		"insert": p.insert,
		"get":    p.get,
		"remove": p.remove,
		"save":   p.save,
	}
}

func (p *Plugin) Close() error {
	return p.vault.Close()
}

type unlockArgs struct {
	Password string `json:"password" validate:"required"`
}

type recordArgs struct {
	Client string `json:"client" validate:"required,max=256"`
	Key    string `json:"key" validate:"required,max=1024"`
}

type insertArgs struct {
	Client string `json:"client" validate:"required,max=256"`
	Key    string `json:"key" validate:"required,max=1024"`
	Value  string `json:"value"`
}

func (p *Plugin) unlock(_ context.Context, req *host.Request) (any, error) {
	var args unlockArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if err := p.vault.Unlock(args.Password); err != nil {
		p.logger.Warnw("Vault unlock rejected", "error", err)
		return nil, err
	}
	return p.vault.Status(), nil
}

func (p *Plugin) lock(context.Context, *host.Request) (any, error) {
	if err := p.vault.Lock(); err != nil {
		return nil, err
	}
	return p.vault.Status(), nil
}

func (p *Plugin) status(context.Context, *host.Request) (any, error) {
	return p.vault.Status(), nil
}

func (p *Plugin) insert(_ context.Context, req *host.Request) (any, error) {
	var args insertArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return nil, p.vault.Insert(args.Client, args.Key, []byte(args.Value))
}

func (p *Plugin) get(_ context.Context, req *host.Request) (any, error) {
	var args recordArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	value, err := p.vault.Get(args.Client, args.Key)
	if err != nil {
		return nil, err
	}
	return string(value), nil
}

func (p *Plugin) remove(_ context.Context, req *host.Request) (any, error) {
	var args recordArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return p.vault.Remove(args.Client, args.Key)
}

func (p *Plugin) save(context.Context, *host.Request) (any, error) {
	return nil, p.vault.Save()
}
