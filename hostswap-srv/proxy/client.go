package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/codefionn/hostswap/hostswap-srv/config"
	"github.com/codefionn/hostswap/hostswap-srv/logger"
)

// Dialer opens upstream connections for both forwarded requests and tunnels.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns the upstream dialer for cfg: a direct dialer, or one that
// chains through cfg.UpstreamProxy.
func NewDialer(cfg *config.Config) (Dialer, error) {
	base := &net.Dialer{
		Timeout:   cfg.Timeout(),
		KeepAlive: 30 * time.Second,
	}
	if cfg.UpstreamProxy == "" {
		return base, nil
	}

	up, err := config.ParseUpstreamProxy(cfg.UpstreamProxy)
	if err != nil {
		return nil, newCodedError(ErrCodeConfigInvalid, err)
	}

	switch up.Scheme {
	case "socks5":
		return newSocks5Dialer(base, up)
	case "http":
		return &httpProxyDialer{base: base, upstream: up}, nil
	default:
		return nil, newCodedError(ErrCodeConfigInvalid, fmt.Errorf("unsupported upstream proxy scheme %q", up.Scheme))
	}
}

// socks5Dialer dials targets through a SOCKS5 proxy.
type socks5Dialer struct {
	address string
	auth    *proxy.Auth
	base    *net.Dialer
}

func newSocks5Dialer(base *net.Dialer, up *config.UpstreamProxy) (*socks5Dialer, error) {
	var auth *proxy.Auth
	if up.Username != nil && up.Password != nil {
		auth = &proxy.Auth{
			User:     *up.Username,
			Password: *up.Password,
		}
	} else if up.Username != nil {
		// Password might be optional depending on SOCKS server config
		auth = &proxy.Auth{User: *up.Username}
	}

	if _, err := proxy.SOCKS5("tcp", up.Address, auth, base); err != nil {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", up.Address, err))
	}
	return &socks5Dialer{address: up.Address, auth: auth, base: base}, nil
}

// DialContext builds a SOCKS5 dialer per connection so the raw socket to the
// SOCKS server stays reachable for half-closes.
func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	forward := &socketCapture{base: d.base}
	socksDialer, err := proxy.SOCKS5("tcp", d.address, d.auth, forward)
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", d.address, err))
	}

	var conn net.Conn
	if ctxDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, network, addr)
	} else {
		conn, err = socksDialer.Dial(network, addr)
	}
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, d.address, err))
	}
	return &socksConn{Conn: conn, raw: forward.conn}, nil
}

// socketCapture remembers the socket it dialed.
type socketCapture struct {
	base *net.Dialer
	conn net.Conn
}

func (c *socketCapture) Dial(network, addr string) (net.Conn, error) {
	return c.DialContext(context.Background(), network, addr)
}

func (c *socketCapture) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := c.base.DialContext(ctx, network, addr)
	c.conn = conn
	return conn, err
}

// socksConn is an established SOCKS5 stream that can be half-closed.
type socksConn struct {
	net.Conn
	raw net.Conn
}

func (c *socksConn) CloseWrite() error {
	if c.raw == nil {
		return c.Conn.Close()
	}
	return closeWrite(c.raw)
}

// httpProxyDialer dials targets through an HTTP proxy using CONNECT.
type httpProxyDialer struct {
	base     *net.Dialer
	upstream *config.UpstreamProxy
}

func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	logger.Debug("Dialing HTTP proxy %s to reach %s", d.upstream.Address, addr)

	proxyConn, err := d.base.DialContext(ctx, network, d.upstream.Address)
	if err != nil {
		return nil, newCodedError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", d.upstream.Address, err))
	}

	// The handshake shares the dial deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}

	conn, err := d.handshake(proxyConn, addr)
	if err != nil {
		if closeErr := proxyConn.Close(); closeErr != nil {
			logger.Error("Error closing proxy connection: %v", closeErr)
		}
		return nil, err
	}
	_ = proxyConn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *httpProxyDialer) handshake(proxyConn net.Conn, addr string) (net.Conn, error) {
	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+addr, http.NoBody)
	if err != nil {
		return nil, newCodedError(ErrCodeCONNECTRequestFailed, fmt.Errorf("creating for target %s: %w", addr, err))
	}
	connectReq.Host = addr
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if d.upstream.Username != nil {
		password := ""
		if d.upstream.Password != nil {
			password = *d.upstream.Password
		}
		authEncoded := base64.StdEncoding.EncodeToString([]byte(*d.upstream.Username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+authEncoded)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		return nil, newCodedError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", d.upstream.Address, err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		return nil, newCodedError(ErrCodeCONNECTResponseFailed, fmt.Errorf("reading from proxy %s: %w", d.upstream.Address, err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		return nil, newCodedError(ErrCodeProxyDenied, fmt.Errorf("proxy %s denied CONNECT to %s with status %s: %s",
			d.upstream.Address, addr, connectResp.Status, string(bodyBytes)))
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", d.upstream.Address, addr)

	// Bytes the target sent right after the proxy's 200 may already sit in the reader.
	if n := proxyReader.Buffered(); n > 0 {
		buf, _ := proxyReader.Peek(n)
		return &bufferConn{Conn: proxyConn, buf: append([]byte(nil), buf...)}, nil
	}
	return proxyConn, nil
}

// bufferConn replays buf before reading from the wrapped connection.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

func (bc *bufferConn) CloseWrite() error {
	return closeWrite(bc.Conn)
}

// closeWrite half-closes conn when the underlying type supports it.
func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// newUpstreamTransport builds the transport used for forwarded requests. It
// never follows redirects, never consults proxy environment variables and
// leaves content encoding untouched.
func newUpstreamTransport(dialer Dialer, tlsConfig *tls.Config) *http.Transport {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   10 * time.Second,
		DisableCompression:    true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("HTTP/2 disabled for upstream requests: %v", err)
	}
	return transport
}
