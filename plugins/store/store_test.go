package store

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posdesk/host"
)

type backendFactory func(t *testing.T) Backend

func sqliteFactory(t *testing.T) Backend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "store.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func memoryFactory(t *testing.T) Backend {
	t.Helper()
	b, err := NewSQLiteBackend(":memory:", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func redisFactory(t *testing.T) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), RedisOptions{
		Addr:     mr.Addr(),
		PoolSize: 4,
		Prefix:   "posdesk:store:",
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func cachedFactory(inner backendFactory) backendFactory {
	return func(t *testing.T) Backend {
		c, err := newCachedBackend(inner(t), 8)
		require.NoError(t, err)
		return c
	}
}

var backends = map[string]backendFactory{
	"sqlite":        sqliteFactory,
	"sqlite-memory": memoryFactory,
	"redis":         redisFactory,
	"sqlite-cached": cachedFactory(sqliteFactory),
	"redis-cached":  cachedFactory(redisFactory),
}

func TestBackends(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)

			_, err := b.Get(ctx, "settings", "theme")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set(ctx, "settings", "theme", json.RawMessage(`"dark"`)))
			require.NoError(t, b.Set(ctx, "settings", "printer", json.RawMessage(`{"port":9100}`)))
			require.NoError(t, b.Set(ctx, "cart", "theme", json.RawMessage(`1`)))

			v, err := b.Get(ctx, "settings", "theme")
			require.NoError(t, err)
			assert.JSONEq(t, `"dark"`, string(v))

			// overwrite replaces the cached and stored value
			require.NoError(t, b.Set(ctx, "settings", "theme", json.RawMessage(`"light"`)))
			v, err = b.Get(ctx, "settings", "theme")
			require.NoError(t, err)
			assert.JSONEq(t, `"light"`, string(v))

			keys, err := b.Keys(ctx, "settings")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"theme", "printer"}, keys)

			entries, err := b.Entries(ctx, "settings")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.JSONEq(t, `{"port":9100}`, string(entries["printer"]))

			n, err := b.Length(ctx, "settings")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			existed, err := b.Delete(ctx, "settings", "printer")
			require.NoError(t, err)
			assert.True(t, existed)
			existed, err = b.Delete(ctx, "settings", "printer")
			require.NoError(t, err)
			assert.False(t, existed)

			removed, err := b.Clear(ctx, "settings")
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			_, err = b.Get(ctx, "settings", "theme")
			assert.ErrorIs(t, err, ErrNotFound)

			keys, err = b.Keys(ctx, "settings")
			require.NoError(t, err)
			assert.Empty(t, keys)
			assert.NotNil(t, keys)

			// other stores are untouched
			v, err = b.Get(ctx, "cart", "theme")
			require.NoError(t, err)
			assert.JSONEq(t, `1`, string(v))
		})
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	logger := zaptest.NewLogger(t).Sugar()

	b, err := NewSQLiteBackend(path, logger)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "session", "operator", json.RawMessage(`"ana"`)))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path, logger)
	require.NoError(t, err)
	defer b.Close()

	v, err := b.Get(ctx, "session", "operator")
	require.NoError(t, err)
	assert.JSONEq(t, `"ana"`, string(v))
}

func TestNewSQLiteBackend_EmptyPath(t *testing.T) {
	_, err := NewSQLiteBackend("", nil)
	assert.Error(t, err)
}

func TestNewRedisBackend_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewRedisBackend(context.Background(), RedisOptions{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestCachedBackend_ServesHits(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	inner, err := NewRedisBackend(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "p:"}, nil)
	require.NoError(t, err)
	defer inner.Close()

	c, err := newCachedBackend(inner, 4)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "s", "k", json.RawMessage(`true`)))

	// a hit must not reach Redis
	mr.HSet("p:s", "k", "false")
	v, err := c.Get(ctx, "s", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(v))

	_, err = c.Delete(ctx, "s", "k")
	require.NoError(t, err)
	_, err = c.Get(ctx, "s", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func newStoreHost(t *testing.T) *host.Host {
	t.Helper()
	p, err := New(memoryFactory(t), 16, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	h := host.New(zaptest.NewLogger(t).Sugar())
	require.NoError(t, h.Register(p))
	return h
}

func invoke(t *testing.T, h *host.Host, command, args string) host.Response {
	t.Helper()
	return h.Invoke(context.Background(), command, json.RawMessage(args))
}

func TestPlugin_Commands(t *testing.T) {
	h := newStoreHost(t)

	resp := invoke(t, h, "store.get", `{"store":"settings","key":"theme"}`)
	require.True(t, resp.OK)
	assert.Nil(t, resp.Result)

	resp = invoke(t, h, "store.has", `{"store":"settings","key":"theme"}`)
	require.True(t, resp.OK)
	assert.Equal(t, false, resp.Result)

	resp = invoke(t, h, "store.set", `{"store":"settings","key":"theme","value":{"mode":"dark"}}`)
	require.True(t, resp.OK, "set failed: %v", resp.Error)

	resp = invoke(t, h, "store.get", `{"store":"settings","key":"theme"}`)
	require.True(t, resp.OK)
	raw, ok := resp.Result.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"mode":"dark"}`, string(raw))

	resp = invoke(t, h, "store.has", `{"store":"settings","key":"theme"}`)
	assert.Equal(t, true, resp.Result)

	resp = invoke(t, h, "store.keys", `{"store":"settings"}`)
	assert.Equal(t, []string{"theme"}, resp.Result)

	resp = invoke(t, h, "store.length", `{"store":"settings"}`)
	assert.Equal(t, int64(1), resp.Result)

	resp = invoke(t, h, "store.delete", `{"store":"settings","key":"theme"}`)
	assert.Equal(t, true, resp.Result)

	resp = invoke(t, h, "store.clear", `{"store":"settings"}`)
	require.True(t, resp.OK)
	assert.Equal(t, int64(0), resp.Result)
}

func TestPlugin_InvalidArguments(t *testing.T) {
	h := newStoreHost(t)

	tests := []struct {
		command string
		args    string
	}{
		{"store.set", `{"store":"s","key":"k"}`},
		{"store.set", `{"key":"k","value":1}`},
		{"store.get", `{"store":"s"}`},
		{"store.keys", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.command+tt.args, func(t *testing.T) {
			resp := invoke(t, h, tt.command, tt.args)
			require.False(t, resp.OK)
			assert.Equal(t, host.KindInvalidRequest, resp.Error.Kind)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	p, err := Open(ctx, Options{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "s.db"), CacheSize: 4}, logger)
	require.NoError(t, err)
	assert.Equal(t, "store", p.Name())
	require.NoError(t, p.Close())

	mr := miniredis.RunT(t)
	p, err = Open(ctx, Options{Backend: "redis", Redis: RedisOptions{Addr: mr.Addr()}}, logger)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = Open(ctx, Options{Backend: "bolt"}, logger)
	assert.Error(t, err)
}
