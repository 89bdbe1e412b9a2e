package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/metrics"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

func (p *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	session := NewTunnelSession(r.RemoteAddr)
	log := logger.With(session.ID)
	log.Debug("CONNECT request for %s from %s", r.RequestURI, r.RemoteAddr)

	hj, ok := w.(http.Hijacker)
	if !ok {
		log.Error("HTTP server does not support hijacking")
		p.metrics.Error(ErrCodeHTTPHijackNotSupported)
		writeProxyErrorResponse(w, http.StatusInternalServerError, ErrCodeHTTPHijackNotSupported, "Internal Server Error")
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		log.Error("Failed to hijack connection: %v", err)
		p.metrics.Error(ErrCodeHTTPHijackFailed)
		return
	}
	// Deadlines of the HTTP server must not limit the tunnel.
	_ = clientConn.SetDeadline(time.Time{})

	authority, err := ParseAuthority(r.RequestURI)
	if err != nil {
		log.Warn("Rejecting CONNECT: %v", err)
		p.metrics.Error(ErrCodeMalformedRequest)
		p.metrics.TunnelResult(false, metrics.TunnelRejected)
		_, _ = io.WriteString(clientConn, tunnelBadRequest)
		closeConn(log, clientConn, "client")
		return
	}

	decision := Decide(authority.Hostname, authority.Port, p.config)
	session.UpstreamAddr = decision.Address()
	session.Redirected = decision.IsRedirected
	if decision.IsRedirected {
		log.Info("Redirecting CONNECT %s to %s", authority, session.UpstreamAddr)
	} else {
		log.Info("CONNECT tunnel to %s", session.UpstreamAddr)
	}

	statsCtx := context.WithoutCancel(r.Context())
	connectionID := p.startConnection(statsCtx, session.ID, r.RemoteAddr, decision, stats.ProtocolTunnel)

	dialCtx, cancel := context.WithTimeout(r.Context(), p.config.Timeout())
	dialStart := time.Now()
	upstream, err := p.dialer.DialContext(dialCtx, "tcp", session.UpstreamAddr)
	cancel()
	if err != nil {
		proxyErr := ClassifyDialError(err)
		p.metrics.ObserveDial("error", time.Since(dialStart))
		p.failTunnel(log, session, clientConn, proxyErr)
		p.recordError(statsCtx, connectionID, proxyErr)
		p.endConnection(statsCtx, connectionID, 0, 0, time.Since(session.StartedAt), proxyErr.Code)
		return
	}
	p.metrics.ObserveDial("ok", time.Since(dialStart))

	if err := session.Transition(TunnelEstablished); err != nil {
		log.Error("%v", err)
	}
	p.metrics.TunnelResult(decision.IsRedirected, metrics.TunnelEstablished)
	tunnelClosed := p.metrics.TunnelOpened(decision.IsRedirected)
	defer tunnelClosed()

	tracked := newTrackedConn(statsCtx, upstream, p.collector, p.metrics, connectionID)

	if _, err := io.WriteString(clientConn, tunnelEstablished); err != nil {
		log.Debug("Failed to send 200 response: %v", err)
		tracked.SetCloseReason("client_gone")
		closeConn(log, clientConn, "client")
		closeConn(log, tracked, "upstream")
		_ = session.Transition(TunnelClosed)
		return
	}

	if err := flushHead(clientBuf, tracked); err != nil {
		log.Debug("Failed to write buffered client data upstream: %v", err)
	}

	if err := relay(r.Context(), clientConn, tracked); err != nil {
		tracked.SetCloseReason(ErrorCode(err, ErrCodeStreamFault))
		p.metrics.Error(ErrorCode(err, ErrCodeStreamFault))
		log.Debug("Tunnel to %s ended: %v", session.UpstreamAddr, err)
	}

	if err := session.Transition(TunnelClosed); err != nil {
		log.Error("%v", err)
	}
	sent, received := tracked.Stats()
	log.Debug("Tunnel to %s closed after %s (%d bytes up, %d bytes down)",
		session.UpstreamAddr, time.Since(session.StartedAt).Round(time.Millisecond), sent, received)
}

// failTunnel reports a failed upstream connect to the client and closes it.
func (p *Server) failTunnel(log logger.Entry, session *TunnelSession, clientConn net.Conn, proxyErr *Error) {
	if err := session.Transition(TunnelFailed); err != nil {
		log.Error("%v", err)
	}
	logUpstreamFailure(log, session.UpstreamAddr, proxyErr)
	p.metrics.Error(proxyErr.Code)
	p.metrics.TunnelResult(session.Redirected, metrics.TunnelFailed)

	_, _ = io.WriteString(clientConn, tunnelFailed)
	closeConn(log, clientConn, "client")
}

// logUpstreamFailure logs a failed upstream attempt. Chain failures are
// errors, unreachable targets are warnings.
func logUpstreamFailure(log logger.Entry, addr string, err error) {
	switch {
	case IsProxyChainError(err):
		log.Error("Upstream proxy failed to reach %s: %v", addr, err)
	case IsConnectionError(err):
		log.Warn("Failed to connect to %s: %v", addr, err)
	default:
		log.Error("Upstream attempt for %s failed: %v", addr, err)
	}
}

// flushHead forwards bytes the client sent before the tunnel was acknowledged.
func flushHead(clientBuf *bufio.ReadWriter, upstream net.Conn) error {
	if clientBuf == nil || clientBuf.Reader == nil {
		return nil
	}
	n := clientBuf.Reader.Buffered()
	if n == 0 {
		return nil
	}
	head, err := clientBuf.Reader.Peek(n)
	if err != nil {
		return err
	}
	_, err = upstream.Write(head)
	return err
}

// relay copies bytes in both directions. Each direction runs until its source
// ends and then half-closes its destination, so the opposite direction keeps
// flowing. A failed direction, or ctx ending, tears the whole tunnel down. Both
// sockets are closed when relay returns.
func relay(ctx context.Context, client, upstream net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(gctx, teardown)
	defer stop()

	g.Go(func() error { return pipe(upstream, client) })
	g.Go(func() error { return pipe(client, upstream) })

	err := g.Wait()
	teardown()
	return err
}

// pipe copies src to dst until src ends, then signals the end to dst's peer.
// A copy cut short by teardown counts as a clean end.
func pipe(dst, src net.Conn) error {
	if _, err := copyChunks(dst, src); err != nil && !isClosedConnError(err) {
		return newCodedError(ErrCodeStreamFault, err)
	}
	if _, ok := dst.(interface{ CloseWrite() error }); !ok {
		// No half-close available; closing is the only way to deliver EOF.
		_ = dst.Close()
		return nil
	}
	if err := closeWrite(dst); err != nil && !isClosedConnError(err) {
		_ = dst.Close()
	}
	return nil
}

func closeConn(log logger.Entry, conn io.Closer, side string) {
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		log.Debug("Error closing %s connection: %v", side, err)
	}
}

func (p *Server) startConnection(ctx context.Context, id, remoteAddr string, decision RewriteDecision, protocol string) int64 {
	clientIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		clientIP = remoteAddr
	}
	connectionID, err := p.collector.StartConnection(ctx, id, clientIP, decision.EffectiveHost, decision.EffectivePort, protocol, decision.IsRedirected)
	if err != nil {
		logger.Debug("Failed to record connection start: %v", err)
	}
	return connectionID
}

func (p *Server) recordError(ctx context.Context, connectionID int64, err *Error) {
	if connectionID == 0 {
		return
	}
	if recErr := p.collector.RecordError(ctx, connectionID, err.Code, err.Error()); recErr != nil {
		logger.Debug("Failed to record error: %v", recErr)
	}
}

func (p *Server) endConnection(ctx context.Context, connectionID, sent, received int64, d time.Duration, reason string) {
	if connectionID == 0 {
		return
	}
	if err := p.collector.EndConnection(ctx, connectionID, sent, received, d, reason); err != nil {
		logger.Debug("Failed to record connection end: %v", fmt.Errorf("connection %d: %w", connectionID, err))
	}
}
