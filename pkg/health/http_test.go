package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, code int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code == http.StatusFound {
			http.Redirect(w, r, "/elsewhere", code)
			return
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(server.Close)
	return server
}

func hostPort(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		checker      bool
		probeHealthy bool
	}{
		{"ok", http.StatusOK, true, true},
		{"no content", http.StatusNoContent, true, false},
		{"redirect", http.StatusFound, true, false},
		{"not found", http.StatusNotFound, false, false},
		{"server error", http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := statusServer(t, tt.code)

			result := NewHTTPChecker(server.URL).Check(context.Background())
			assert.Equal(t, tt.checker, result.Healthy, result.Message)
			assert.Greater(t, result.Duration, time.Duration(0))

			host, port := hostPort(t, server.URL)
			probe := NewHTTPProbe(host, port, "health").Check(context.Background())
			assert.Equal(t, tt.probeHealthy, probe.Healthy, probe.Message)
			if !tt.probeHealthy {
				assert.Contains(t, probe.Message, "expected 200")
			}
		})
	}
}

func TestHTTPChecker_ContextBoundsRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	result := NewHTTPChecker("http://" + addr).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker("").Type())
}

func TestTCPChecker(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	listener.Close()
	result = NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeTCP, NewTCPChecker(addr).Type())
}
