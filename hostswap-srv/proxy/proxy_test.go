package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostswap/hostswap-srv/config"
	"github.com/codefionn/hostswap/hostswap-srv/metrics"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

func TestNewProxy_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutMs = 0

	_, err := NewProxy(cfg)
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigInvalid, ErrorCode(err, ""))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestProxy_StartBindsLoopback(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := free.Addr().(*net.TCPAddr).Port
	require.NoError(t, free.Close())

	cfg := testConfig()
	cfg.Port = port
	p, err := NewProxy(cfg)
	require.NoError(t, err)
	assert.Nil(t, p.Addr())

	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), p.Addr().String())
	assert.Error(t, p.StartWithListener(nil), "a running proxy cannot be started twice")
}

func TestProxy_StartFailsWhenPortInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig()
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port
	p, err := NewProxy(cfg)
	require.NoError(t, err)

	err = p.Start()
	require.Error(t, err)
	assert.Equal(t, ErrCodeListenerCreateFailed, ErrorCode(err, ""))
}

func TestProxy_StopRefusesNewConnections(t *testing.T) {
	p, err := NewProxy(testConfig())
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, p.StartWithListener(listener))
	addr := p.Addr().String()

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stopping twice is a no-op")

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestProxy_StopLeavesTunnelsRunning(t *testing.T) {
	echoAddr := startEchoServer(t)
	p, err := NewProxy(testConfig())
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, p.StartWithListener(listener))

	conn, reader, status := sendConnect(t, p.Addr().String(), echoAddr, nil)
	require.Equal(t, "HTTP/1.1 200 Connection Established", status)
	skipHeaders(t, reader)

	require.NoError(t, p.Stop())

	_, err = io.WriteString(conn, "still here")
	require.NoError(t, err)
	got := make([]byte, len("still here"))
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestProxy_RecordsStatistics(t *testing.T) {
	collector, err := stats.NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer collector.Close()

	_, dialer, tlsConfig := redirectTarget(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	passThrough := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer passThrough.Close()

	_, proxyURL := startTestProxy(t, testConfig(),
		WithDialer(dialer), WithTLSClientConfig(tlsConfig), WithCollector(collector))
	client := proxiedClient(proxyURL, nil)

	for _, target := range []string{"http://api.anthropic.com/v1/messages", passThrough.URL} {
		resp, err := client.Get(target)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	_, reader, status := sendConnect(t, proxyURL.Host, closedAddr(t), nil)
	require.Equal(t, "HTTP/1.1 500 Connection Error", status)
	skipHeaders(t, reader)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		overview, err := collector.GetOverviewStats(ctx)
		return err == nil && overview.TotalConnections == 3 && overview.ActiveConnections == 0
	}, 2*time.Second, 20*time.Millisecond)

	overview, err := collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.RedirectedConnections)
	assert.Equal(t, int64(2), overview.TotalRequests)
	assert.Equal(t, int64(1), overview.TotalErrors)
}

func TestProxy_RequestMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	m := metrics.New("test")
	_, proxyURL := startTestProxy(t, testConfig(), WithMetrics(m))

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.RequestsTotal.WithLabelValues("false", "418")) == 1
	}, time.Second, 10*time.Millisecond)
}
