package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostswap/hostswap-srv/metrics"
)

func startSocks5Server(t *testing.T, creds go_socks5.StaticCredentials) string {
	t.Helper()
	conf := &go_socks5.Config{}
	if creds != nil {
		conf.Credentials = creds
	}
	socksServer, err := go_socks5.New(conf)
	if err != nil {
		t.Fatalf("Failed to create go-socks5 server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen for go-socks5: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = socksServer.Serve(ln) }()
	return ln.Addr().String()
}

func TestChain_SOCKS5Upstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "via socks")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.UpstreamProxy = "socks5://" + startSocks5Server(t, nil)
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via socks", string(body))
}

func TestChain_SOCKS5UpstreamWithAuthTunnel(t *testing.T) {
	echoAddr := startEchoServer(t)

	cfg := testConfig()
	cfg.UpstreamProxy = "socks5://user:secret@" + startSocks5Server(t, go_socks5.StaticCredentials{"user": "secret"})
	_, proxyURL := startTestProxy(t, cfg)

	conn, reader, status := sendConnect(t, proxyURL.Host, echoAddr, nil)
	require.Equal(t, "HTTP/1.1 200 Connection Established", status)
	skipHeaders(t, reader)

	_, err := io.WriteString(conn, "ping")
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestChain_SOCKS5TunnelHalfClose(t *testing.T) {
	echoAddr := startEchoServer(t)

	cfg := testConfig()
	cfg.UpstreamProxy = "socks5://" + startSocks5Server(t, nil)
	_, proxyURL := startTestProxy(t, cfg)

	conn, reader, status := sendConnect(t, proxyURL.Host, echoAddr, nil)
	require.Equal(t, "HTTP/1.1 200 Connection Established", status)
	skipHeaders(t, reader)

	_, err := io.WriteString(conn, "last words")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	// The echo reaches the client although its write side is already closed.
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))
}

func TestChain_SOCKS5WrongCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamProxy = "socks5://user:wrong@" + startSocks5Server(t, go_socks5.StaticCredentials{"user": "secret"})
	m := metrics.New("test")
	_, proxyURL := startTestProxy(t, cfg, WithMetrics(m))

	_, _, status := sendConnect(t, proxyURL.Host, startEchoServer(t), nil)
	assert.Equal(t, "HTTP/1.1 500 Connection Error", status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(ErrCodeSOCKS5ConnectFailed)))
}

func TestChain_HTTPUpstreamProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "via http proxy")
	}))
	defer upstream.Close()

	// A second proxy instance serves as the upstream HTTP proxy.
	upstreamMetrics := metrics.New("upstream")
	_, upstreamProxyURL := startTestProxy(t, testConfig(), WithMetrics(upstreamMetrics))

	cfg := testConfig()
	cfg.UpstreamProxy = upstreamProxyURL.String()
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "via http proxy", string(body))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(upstreamMetrics.TunnelsTotal.WithLabelValues("false", metrics.TunnelEstablished)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestChain_HTTPUpstreamProxyDenied(t *testing.T) {
	var gotAuth string
	denying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Proxy-Authorization")
		http.Error(w, "nope", http.StatusProxyAuthRequired)
	}))
	defer denying.Close()

	cfg := testConfig()
	cfg.UpstreamProxy = "http://alice:pw@" + denying.Listener.Addr().String()
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get("http://" + closedAddr(t) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Proxy Error", string(body))
	assert.Equal(t, ErrCodeProxyDenied, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, "Basic YWxpY2U6cHc=", gotAuth)
}
