package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostswap/hostswap-srv/config"
)

// testTargetHost is covered by the certificate of httptest TLS servers.
const testTargetHost = "example.com"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TargetHost = testTargetHost
	cfg.TimeoutMs = 2000
	return cfg
}

// mapDialer sends dials for mapped addresses to a local server instead.
type mapDialer struct {
	mu     sync.Mutex
	routes map[string]string
	dials  []string
	base   net.Dialer
}

func newMapDialer(routes map[string]string) *mapDialer {
	return &mapDialer{routes: routes}
}

func (d *mapDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, addr)
	if to, ok := d.routes[addr]; ok {
		addr = to
	}
	d.mu.Unlock()
	return d.base.DialContext(ctx, network, addr)
}

func (d *mapDialer) Dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// redirectTarget starts a TLS server standing in for the target host and a
// dialer that routes testTargetHost:443 to it.
func redirectTarget(t *testing.T, handler http.Handler) (*httptest.Server, *mapDialer, *tls.Config) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	dialer := newMapDialer(map[string]string{
		net.JoinHostPort(testTargetHost, "443"): srv.Listener.Addr().String(),
	})
	return srv, dialer, trustServer(srv)
}

func trustServer(srv *httptest.Server) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return &tls.Config{RootCAs: pool}
}

// startTestProxy starts a proxy on a random loopback port and stops it when
// the test ends.
func startTestProxy(t *testing.T, cfg *config.Config, opts ...Option) (*Proxy, *url.URL) {
	t.Helper()
	p, err := NewProxy(cfg, opts...)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, p.StartWithListener(listener))
	t.Cleanup(func() {
		if err := p.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})

	proxyURL, err := url.Parse("http://" + p.Addr().String())
	require.NoError(t, err)
	return p, proxyURL
}

func proxiedClient(proxyURL *url.URL, tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// sendConnect writes a raw CONNECT request plus optional payload in a single
// write and returns the connection and a reader positioned after the status line.
func sendConnect(t *testing.T, proxyAddr, target string, payload []byte) (net.Conn, *bufio.Reader, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	req := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"
	_, err = conn.Write(append([]byte(req), payload...))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	return conn, reader, strings.TrimRight(status, "\r\n")
}

// skipHeaders consumes header lines up to the blank line.
func skipHeaders(t *testing.T, reader *bufio.Reader) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			return
		}
	}
}

// startEchoServer echoes every byte back on each accepted connection.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
