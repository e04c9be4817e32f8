package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posdesk/config"
	"posdesk/migrate"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub migration commands use sh")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("POSDESK_DATA_DIR", t.TempDir())
	t.Setenv("POSDESK_ENV", "")
	cfg, err := config.LoadConfigFile("")
	require.NoError(t, err)
	cfg.Bridge.Addr = "127.0.0.1:0"
	// keep unlock fast in tests
	cfg.Vault.Argon2 = config.Argon2{Lanes: 1, MemoryKiB: 64, Time: 1, KeyLength: 32}
	return cfg
}

func runnerOptions(t *testing.T, command string, stdout *bytes.Buffer) migrate.Options {
	t.Helper()
	wd := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.MkdirAll(wd, 0o755))
	return migrate.Options{
		Command: command,
		Stdout:  stdout,
		Stderr:  stdout,
		Getwd:   func() (string, error) { return wd, nil },
		LookupEnv: func(string) (string, bool) {
			return "", false
		},
	}
}

type staticSecrets struct {
	password string
	err      error
}

func (s staticSecrets) GetSecret(key string) (string, error) {
	if key != config.VaultPasswordKey {
		return "", errors.New("not supported")
	}
	return s.password, s.err
}

func TestNewApp_GracefulContinuesAfterMigrationFailure(t *testing.T) {
	skipOnWindows(t)
	cfg := testConfig(t)
	cfg.StartupMode = config.StartupModeGraceful

	var stderr, out bytes.Buffer
	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithStderr(&stderr),
		WithRunnerOptions(runnerOptions(t, "exit 3", &out)))
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Equal(t, StateMigrationAttempted, app.State())
	assert.Contains(t, stderr.String(), "WARNING: Database Migration Failed")
	assert.Contains(t, stderr.String(), "exit code: 3")

	status := app.Status()
	require.NotNil(t, status.StartupMigration)
	assert.False(t, status.StartupMigration.OK)
	assert.Equal(t, migrate.KindCommandFailed, status.StartupMigration.Error.Kind)
	assert.Equal(t, 1, status.MigrationRuns)

	assert.Equal(t, []string{"store", "vault", "fs", "http", "opener", "migrations"}, app.Host.Plugins())
}

func TestNewApp_StrictAbortsOnMigrationFailure(t *testing.T) {
	skipOnWindows(t)
	cfg := testConfig(t)
	cfg.StartupMode = config.StartupModeStrict

	var stderr, out bytes.Buffer
	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithStderr(&stderr),
		WithRunnerOptions(runnerOptions(t, "exit 3", &out)))

	require.Error(t, err)
	assert.Nil(t, app)
	var merr *migrate.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, migrate.KindCommandFailed, merr.Kind)
	require.NotNil(t, merr.Code)
	assert.Equal(t, 3, *merr.Code)
	assert.Contains(t, stderr.String(), "FATAL: Database Migration Failed")

	// the host was never constructed, so the store was never opened
	_, statErr := os.Stat(cfg.DataPaths.StorePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewApp_StrictSucceedsWhenMigrationPasses(t *testing.T) {
	skipOnWindows(t)
	cfg := testConfig(t)
	cfg.StartupMode = config.StartupModeStrict

	var stderr, out bytes.Buffer
	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithStderr(&stderr),
		WithRunnerOptions(runnerOptions(t, `echo "migrated $DATABASE_URL"`, &out)))
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Empty(t, stderr.String())
	assert.Contains(t, out.String(), "migrated "+config.PlaceholderDatabaseURL)
	assert.True(t, app.Status().StartupMigration.OK)
}

func TestNewApp_MigrationDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Equal(t, StateNotMigrated, app.State())
	assert.Nil(t, app.Status().StartupMigration)
	assert.Zero(t, app.Runner.Runs())
}

func TestNewApp_VaultDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false
	cfg.Vault.Enabled = false

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer app.Shutdown()

	assert.Equal(t, []string{"store", "fs", "http", "opener", "migrations"}, app.Host.Plugins())
}

func TestNewApp_StoreFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = "127.0.0.1:1"

	var stderr bytes.Buffer
	_, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t), WithStderr(&stderr))
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "FATAL: Store Initialization Failed")
}

func TestNewApp_VaultAutoUnlock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false
	cfg.Vault.AutoUnlock = true

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithSecretManager(staticSecrets{password: "from-provider"}))
	require.NoError(t, err)
	defer app.Shutdown()

	resp := app.Host.Invoke(context.Background(), "vault.status", nil)
	require.True(t, resp.OK)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"unlocked":true`)

	// salt was generated and persisted on first use
	_, err = os.Stat(cfg.Vault.SaltPath)
	assert.NoError(t, err)
}

func TestNewApp_VaultAutoUnlockWithoutPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false
	cfg.Vault.AutoUnlock = true

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithSecretManager(staticSecrets{err: errors.New("POSDESK_VAULT_PASSWORD not set")}))
	require.NoError(t, err)
	defer app.Shutdown()

	resp := app.Host.Invoke(context.Background(), "vault.get", json.RawMessage(`{"client":"c","key":"k"}`))
	require.False(t, resp.OK)
	assert.Equal(t, "locked", resp.Error.Kind)
}

func TestApp_StartServesStatusAndShutdownCleansUp(t *testing.T) {
	skipOnWindows(t)
	cfg := testConfig(t)

	var stderr, out bytes.Buffer
	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t),
		WithStderr(&stderr),
		WithRunnerOptions(runnerOptions(t, "exit 0", &out)))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	assert.Equal(t, StateHostRunning, app.State())

	token, err := os.ReadFile(cfg.DataPaths.TokenPath)
	require.NoError(t, err)
	assert.Equal(t, app.Bridge.Token(), string(token))

	req, err := http.NewRequest(http.MethodGet, "http://"+app.Bridge.Addr()+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+string(token))
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Plugins []string `json:"plugins"`
		App     struct {
			State         string `json:"state"`
			MigrationRuns int    `json:"migration_runs"`
		} `json:"app"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "host_running", report.App.State)
	assert.Equal(t, 1, report.App.MigrationRuns)
	assert.Contains(t, report.Plugins, "migrations")

	app.Shutdown()
	app.Shutdown()
	assert.Equal(t, StateStopped, app.State())
	_, err = os.Stat(cfg.DataPaths.TokenPath)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, app.Start(context.Background()))
}

func TestApp_StartWithoutBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migration.Enabled = false
	cfg.Bridge.Enabled = false

	app, err := NewAppWithConfig(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	defer app.Shutdown()

	assert.Nil(t, app.Bridge)
	assert.Equal(t, StateHostRunning, app.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_migrated", StateNotMigrated.String())
	assert.Equal(t, "migration_attempted", StateMigrationAttempted.String())
	assert.Equal(t, "host_running", StateHostRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
