package core

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Singert/webserv/core/config"
	"github.com/Singert/webserv/core/metrics"
	"github.com/Singert/webserv/core/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, names ...string) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644))
	cfg := &config.Config{
		Runtime: config.RuntimeConfig{
			PollTimeout: 5 * time.Millisecond,
			ReadBuffer:  4096,
			CGIWorkers:  1,
			CGITimeout:  time.Second,
		},
	}
	for _, name := range names {
		loc := config.DefaultLocation()
		loc.DocumentRoot = root
		cfg.Servers = append(cfg.Servers, &config.ServerConfig{
			BindHost:    "127.0.0.1",
			ServerName:  name,
			MaxBodySize: 1 << 20,
			Locations:   []*config.LocationConfig{loc},
		})
	}
	return cfg
}

func TestBindAllServers(t *testing.T) {
	cfg := testConfig(t, "one", "two")
	muxes, err := Bind(cfg, metrics.New(prometheus.NewRegistry()), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, muxes, 2)
	assert.NotEqual(t, muxes[0].Addr(), muxes[1].Addr())
	for _, m := range muxes {
		require.NoError(t, m.Close())
	}
}

func TestBindFailureReleasesBoundServers(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t, "free", "taken")
	cfg.Servers[1].Port = busy.Addr().(*net.TCPAddr).Port

	muxes, err := Bind(cfg, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, muxes)
	assert.True(t, server.IsKind(err, server.KindBind), "got %v", err)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "only")
	// Bind once to learn a free port, then serve on it.
	spare, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.Servers[0].Port = spare.Addr().(*net.TCPAddr).Port
	require.NoError(t, spare.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, cfg, prometheus.NewRegistry(), zaptest.NewLogger(t))
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", cfg.Servers[0].Addr())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg).ForServer("s").Accepted()

	rec := httptest.NewRecorder()
	metricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `webserv_connections_accepted_total{server="s"} 1`)

	rec = httptest.NewRecorder()
	metricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
