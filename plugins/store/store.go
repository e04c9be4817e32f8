// Package store is the persistent key-value capability. Values are opaque
// JSON documents addressed by (store, key); a store is a named namespace the
// front end creates implicitly on first write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"posdesk/host"
)

// ErrNotFound is returned by backends when a key is absent
var ErrNotFound = host.NewKindError("not_found", "key not found")

// MaxValueBytes bounds a single stored value
const MaxValueBytes = 10 * 1024 * 1024

// Backend persists JSON values by (store, key)
type Backend interface {
	Get(ctx context.Context, store, key string) (json.RawMessage, error)
	Set(ctx context.Context, store, key string, value json.RawMessage) error
	// Delete reports whether the key existed
	Delete(ctx context.Context, store, key string) (bool, error)
	Keys(ctx context.Context, store string) ([]string, error)
	Entries(ctx context.Context, store string) (map[string]json.RawMessage, error)
	// Clear removes every key of store and returns how many were removed
	Clear(ctx context.Context, store string) (int64, error)
	Length(ctx context.Context, store string) (int64, error)
	Close() error
}

// Plugin exposes a Backend as the "store" commands
type Plugin struct {
	backend Backend
	logger  *zap.SugaredLogger
}

// New wraps backend with an LRU read cache of cacheSize entries
// (0 disables caching).
func New(backend Backend, cacheSize int, logger *zap.SugaredLogger) (*Plugin, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cacheSize > 0 {
		cached, err := newCachedBackend(backend, cacheSize)
		if err != nil {
			return nil, err
		}
		backend = cached
	}
	return &Plugin{backend: backend, logger: logger}, nil
}

func (p *Plugin) Name() string { return "store" }

func (p *Plugin) Commands() map[string]host.Handler {
	return map[string]host.Handler{
		"set":     p.set,
		"get":     p.get,
		"has":     p.has,
		"delete":  p.delete,
		"keys":    p.keys,
		"entries": p.entries,
		"clear":   p.clear,
		"length":  p.length,
	}
}

func (p *Plugin) Close() error {
	return p.backend.Close()
}

type storeArgs struct {
	Store string `json:"store" validate:"required,max=128"`
}

type keyArgs struct {
	Store string `json:"store" validate:"required,max=128"`
	Key   string `json:"key" validate:"required,max=1024"`
}

type setArgs struct {
	Store string          `json:"store" validate:"required,max=128"`
	Key   string          `json:"key" validate:"required,max=1024"`
	Value json.RawMessage `json:"value" validate:"required"`
}

func (p *Plugin) set(ctx context.Context, req *host.Request) (any, error) {
	var args setArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if len(args.Value) > MaxValueBytes {
		return nil, host.Errorf(host.KindInvalidRequest, "value exceeds %d bytes", MaxValueBytes)
	}
	if err := p.backend.Set(ctx, args.Store, args.Key, args.Value); err != nil {
		return nil, fmt.Errorf("store %s: set %s: %w", args.Store, args.Key, err)
	}
	return nil, nil
}

// get returns null for absent keys
func (p *Plugin) get(ctx context.Context, req *host.Request) (any, error) {
	var args keyArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	value, err := p.backend.Get(ctx, args.Store, args.Key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store %s: get %s: %w", args.Store, args.Key, err)
	}
	return value, nil
}

func (p *Plugin) has(ctx context.Context, req *host.Request) (any, error) {
	var args keyArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	_, err := p.backend.Get(ctx, args.Store, args.Key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store %s: has %s: %w", args.Store, args.Key, err)
	}
	return true, nil
}

func (p *Plugin) delete(ctx context.Context, req *host.Request) (any, error) {
	var args keyArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	existed, err := p.backend.Delete(ctx, args.Store, args.Key)
	if err != nil {
		return nil, fmt.Errorf("store %s: delete %s: %w", args.Store, args.Key, err)
	}
	return existed, nil
}

func (p *Plugin) keys(ctx context.Context, req *host.Request) (any, error) {
	var args storeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	keys, err := p.backend.Keys(ctx, args.Store)
	if err != nil {
		return nil, fmt.Errorf("store %s: keys: %w", args.Store, err)
	}
	return keys, nil
}

func (p *Plugin) entries(ctx context.Context, req *host.Request) (any, error) {
	var args storeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	entries, err := p.backend.Entries(ctx, args.Store)
	if err != nil {
		return nil, fmt.Errorf("store %s: entries: %w", args.Store, err)
	}
	return entries, nil
}

func (p *Plugin) clear(ctx context.Context, req *host.Request) (any, error) {
	var args storeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	removed, err := p.backend.Clear(ctx, args.Store)
	if err != nil {
		return nil, fmt.Errorf("store %s: clear: %w", args.Store, err)
	}
	p.logger.Infow("Store cleared", "store", args.Store, "removed", removed)
	return removed, nil
}

func (p *Plugin) length(ctx context.Context, req *host.Request) (any, error) {
	var args storeArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	n, err := p.backend.Length(ctx, args.Store)
	if err != nil {
		return nil, fmt.Errorf("store %s: length: %w", args.Store, err)
	}
	return n, nil
}

// Options selects and configures the backend opened by Open
type Options struct {
	Backend   string // sqlite, redis
	Path      string
	Redis     RedisOptions
	CacheSize int
}

// Open creates the configured backend and wraps it in a Plugin
func Open(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*Plugin, error) {
	var (
		backend Backend
		err     error
	)
	switch opts.Backend {
	case "", "sqlite":
		backend, err = NewSQLiteBackend(opts.Path, logger)
	case "redis":
		backend, err = NewRedisBackend(ctx, opts.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	p, err := New(backend, opts.CacheSize, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return p, nil
}
