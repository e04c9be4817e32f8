package opener

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"posdesk/host"
)

type launch struct {
	name string
	args []string
}

func newOpenerHost(t *testing.T, schemes []string, goos string, launchErr error) (*host.Host, *[]launch) {
	t.Helper()
	var calls []launch
	p := New(schemes, zaptest.NewLogger(t).Sugar(),
		WithGOOS(goos),
		WithLauncher(func(_ context.Context, name string, args ...string) error {
			calls = append(calls, launch{name: name, args: args})
			return launchErr
		}))
	h := host.New(zaptest.NewLogger(t).Sugar())
	require.NoError(t, h.Register(p))
	return h, &calls
}

func open(h *host.Host, url string) host.Response {
	raw, _ := json.Marshal(map[string]string{"url": url})
	return h.Invoke(context.Background(), "opener.open_url", raw)
}

func TestOpenURL_PlatformCommand(t *testing.T) {
	tests := []struct {
		goos string
		want launch
	}{
		{"windows", launch{"rundll32", []string{"url.dll,FileProtocolHandler", "https://example.com/receipt?id=1"}}},
		{"darwin", launch{"open", []string{"https://example.com/receipt?id=1"}}},
		{"linux", launch{"xdg-open", []string{"https://example.com/receipt?id=1"}}},
		{"freebsd", launch{"xdg-open", []string{"https://example.com/receipt?id=1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			h, calls := newOpenerHost(t, nil, tt.goos, nil)
			resp := open(h, "https://example.com/receipt?id=1")
			require.True(t, resp.OK, "open failed: %v", resp.Error)
			require.Len(t, *calls, 1)
			assert.Equal(t, tt.want, (*calls)[0])
		})
	}
}

func TestOpenURL_SchemeAllowlist(t *testing.T) {
	h, calls := newOpenerHost(t, nil, "linux", nil)

	for _, raw := range []string{"file:///etc/passwd", "javascript:alert(1)", "smb://share/x"} {
		resp := open(h, raw)
		require.False(t, resp.OK, raw)
		assert.Equal(t, KindSchemeNotAllowed, resp.Error.Kind, raw)
	}
	resp := open(h, "MAILTO:ops@example.com")
	assert.True(t, resp.OK)

	resp = open(h, "no-scheme")
	assert.Equal(t, host.KindInvalidRequest, resp.Error.Kind)
	assert.Len(t, *calls, 1)

	h, _ = newOpenerHost(t, []string{"https"}, "linux", nil)
	resp = open(h, "tel:+15551234")
	assert.Equal(t, KindSchemeNotAllowed, resp.Error.Kind)
}

func TestOpenURL_LaunchFailure(t *testing.T) {
	h, _ := newOpenerHost(t, nil, "linux", errors.New("exec: \"xdg-open\": executable file not found in $PATH"))

	resp := open(h, "https://example.com")
	require.False(t, resp.OK)
	assert.Equal(t, host.KindUnavailable, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "xdg-open")
}
