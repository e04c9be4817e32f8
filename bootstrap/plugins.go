package bootstrap

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"posdesk/config"
	"posdesk/host"
	"posdesk/migrate"
	"posdesk/plugins/fsbridge"
	"posdesk/plugins/httpclient"
	"posdesk/plugins/opener"
	"posdesk/plugins/store"
	"posdesk/plugins/vault"
)

// InitStore opens the configured key-value backend.
func InitStore(ctx context.Context, cfg *config.Config, stderr io.Writer, sugar *zap.SugaredLogger) (*store.Plugin, error) {
	opts := store.Options{
		Backend:   cfg.Store.Backend,
		Path:      cfg.DataPaths.StorePath,
		CacheSize: cfg.Store.CacheSize,
		Redis: store.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			PoolSize: cfg.Store.Redis.PoolSize,
			Prefix:   cfg.Store.Redis.Prefix,
		},
	}
	p, err := store.Open(ctx, opts, sugar)
	if err != nil {
		location := opts.Path
		if opts.Backend == "redis" {
			location = opts.Redis.Addr
		}
		printBanner(stderr, "FATAL: Store Initialization Failed", ClassifyStoreError(err, opts.Backend, location))
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	sugar.Infow("Store initialized", "backend", cfg.Store.Backend, "cache_size", cfg.Store.CacheSize)
	return p, nil
}

// InitVault creates the vault and, when auto-unlock is configured, unlocks
// it with the password from the secret provider. A failed auto-unlock leaves
// the vault locked for the front end to unlock.
func InitVault(cfg *config.Config, secrets config.SecretManager, sugar *zap.SugaredLogger) (*vault.Vault, error) {
	var (
		salt []byte
		err  error
	)
	if cfg.Vault.Salt != "" {
		salt = []byte(cfg.Vault.Salt)
	} else {
		salt, err = vault.LoadOrCreateSalt(cfg.Vault.SaltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load vault salt: %w", err)
		}
	}

	v, err := vault.New(vault.Options{
		Path: cfg.DataPaths.VaultPath,
		Salt: salt,
		Params: vault.Params{
			Lanes:     cfg.Vault.Argon2.Lanes,
			MemoryKiB: cfg.Vault.Argon2.MemoryKiB,
			Time:      cfg.Vault.Argon2.Time,
			KeyLength: cfg.Vault.Argon2.KeyLength,
		},
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	if cfg.Vault.AutoUnlock && secrets != nil {
		password, err := config.VaultPassword(secrets)
		if err != nil {
			sugar.Warnw("Vault auto-unlock skipped, no password from secret provider",
				"provider", cfg.Secrets.Provider,
				"error", err)
		} else if err := v.Unlock(password); err != nil {
			sugar.Warnw("Vault auto-unlock failed", "error", err)
		}
	}
	return v, nil
}

// RegisterPlugins constructs the capability plugins and registers them with
// h in their fixed order: store, vault, fs, http, opener, migrations.
func RegisterPlugins(ctx context.Context, h *host.Host, cfg *config.Config, runner *migrate.Runner, secrets config.SecretManager, stderr io.Writer, sugar *zap.SugaredLogger) error {
	storePlugin, err := InitStore(ctx, cfg, stderr, sugar)
	if err != nil {
		return err
	}
	if err := h.Register(storePlugin); err != nil {
		storePlugin.Close()
		return err
	}

	if cfg.Vault.Enabled {
		v, err := InitVault(cfg, secrets, sugar)
		if err != nil {
			return err
		}
		if err := h.Register(vault.NewPlugin(v, sugar)); err != nil {
			return err
		}
	} else {
		sugar.Info("Vault disabled by configuration")
	}

	fsPlugin, err := fsbridge.New(cfg.FS.Roots, sugar)
	if err != nil {
		return fmt.Errorf("failed to initialize fs plugin: %w", err)
	}
	if err := h.Register(fsPlugin); err != nil {
		return err
	}

	httpPlugin := httpclient.New(httpclient.Options{
		Timeout:           cfg.HTTP.Timeout,
		AllowedHosts:      cfg.HTTP.AllowedHosts,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		RequestsPerSecond: cfg.HTTP.RateLimit.RequestsPerSecond,
		Burst:             cfg.HTTP.RateLimit.Burst,
	}, sugar)
	if err := h.Register(httpPlugin); err != nil {
		return err
	}

	if err := h.Register(opener.New(cfg.Opener.AllowedSchemes, sugar)); err != nil {
		return err
	}

	if err := h.Register(migrate.NewPlugin(runner, cfg.Migration.ProbeTimeout, h)); err != nil {
		return err
	}

	sugar.Infow("Plugins registered", "plugins", len(h.Plugins()), "commands", len(h.Commands()))
	return nil
}
