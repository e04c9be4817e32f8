package migrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posdesk/host"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func newPluginHost(t *testing.T, command string) (*host.Host, *recordingEmitter) {
	t.Helper()
	env := newTestEnv(t)
	emitter := &recordingEmitter{}
	h := host.New(zaptest.NewLogger(t).Sugar())
	require.NoError(t, h.Register(NewPlugin(env.runner(t, command), time.Second, emitter)))
	return h, emitter
}

func TestPlugin_RunFailureIsStructured(t *testing.T) {
	skipOnWindows(t)
	h, emitter := newPluginHost(t, "exit 1")

	var resp host.Response
	require.NotPanics(t, func() {
		resp = h.Invoke(context.Background(), "migrations.run", nil)
	})

	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "command_failed", resp.Error.Kind)
	assert.NotEmpty(t, resp.Error.Message)
	require.NotNil(t, resp.Error.Code)
	assert.Equal(t, 1, *resp.Error.Code)
	assert.Equal(t, []string{EventStatus}, emitter.events)
}

func TestPlugin_RunSuccess(t *testing.T) {
	skipOnWindows(t)
	h, _ := newPluginHost(t, "exit 0")

	resp := h.Invoke(context.Background(), "migrations.run", nil)

	require.True(t, resp.OK, "unexpected error: %v", resp.Error)
	assert.Equal(t, map[string]bool{"ok": true}, resp.Result)
}

func TestPlugin_RunRepeatable(t *testing.T) {
	skipOnWindows(t)
	h, _ := newPluginHost(t, "exit 0")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.Invoke(context.Background(), "migrations.run", nil)
			assert.True(t, resp.OK)
		}()
	}
	wg.Wait()

	resp := h.Invoke(context.Background(), "migrations.status", nil)
	require.True(t, resp.OK)
	status, ok := resp.Result.(StatusResult)
	require.True(t, ok)
	assert.Equal(t, 4, status.Runs)
	require.NotNil(t, status.Last)
	assert.True(t, status.Last.OK)
}

func TestPlugin_StatusBeforeRun(t *testing.T) {
	h, _ := newPluginHost(t, "exit 0")

	resp := h.Invoke(context.Background(), "migrations.status", nil)

	require.True(t, resp.OK)
	status := resp.Result.(StatusResult)
	assert.Zero(t, status.Runs)
	assert.Nil(t, status.Last)
}

func TestPlugin_Commands(t *testing.T) {
	h, _ := newPluginHost(t, "exit 0")
	assert.Equal(t, []string{"migrations.probe", "migrations.run", "migrations.status"}, h.Commands())
}

func TestPlugin_RunOutlivesDisconnectedClient(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t)
	runner := env.runner(t, "sleep 1; touch migrated")
	h := host.New(zaptest.NewLogger(t).Sugar())
	require.NoError(t, h.Register(NewPlugin(runner, time.Second, nil)))

	b, err := host.NewBridge(h, host.BridgeConfig{Addr: "127.0.0.1:0"}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/invoke/migrations.run", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+b.Token())
	client := &http.Client{Timeout: 200 * time.Millisecond}
	_, err = client.Do(req)
	require.Error(t, err, "client should give up before the migration finishes")

	marker := filepath.Join(filepath.Dir(env.wd), "migrated")
	require.Eventually(t, func() bool { return runner.Runs() == 1 }, 5*time.Second, 20*time.Millisecond)

	outcome, ok := runner.LastOutcome()
	require.True(t, ok)
	assert.True(t, outcome.OK, "migration was interrupted: %v", outcome.Error)
	_, err = os.Stat(marker)
	assert.NoError(t, err)
}

func TestPlugin_CloseCancelsRunningMigration(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t)
	runner := env.runner(t, "sleep 30")
	p := NewPlugin(runner, time.Second, nil)
	h := host.New(zaptest.NewLogger(t).Sugar())
	require.NoError(t, h.Register(p))

	done := make(chan host.Response, 1)
	go func() {
		done <- h.Invoke(context.Background(), "migrations.run", nil)
	}()

	// give the shell time to start
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case resp := <-done:
		require.False(t, resp.OK)
		assert.Equal(t, "command_failed", resp.Error.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("migration was not cancelled by Close")
	}
}
