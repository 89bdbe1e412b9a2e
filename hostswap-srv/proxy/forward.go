package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

// hopHeaders are never forwarded in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sanitizedHeaders are stripped from responses of redirected requests.
var sanitizedHeaders = map[string]struct{}{
	"Set-Cookie": {},
	"Server":     {},
}

func (p *Server) forwardRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	log := logger.With(requestID)

	isHTTPS := r.URL.Scheme == "https" || r.URL.Port() == "443"
	defaultPort := 80
	if isHTTPS {
		defaultPort = 443
	}
	hostPort := r.URL.Host
	if r.URL.Port() == "" {
		hostPort = net.JoinHostPort(r.URL.Hostname(), strconv.Itoa(defaultPort))
	}
	authority, err := ParseAuthority(hostPort)
	if err != nil {
		log.Warn("Rejecting %s %s: %v", r.Method, r.URL, err)
		p.metrics.Error(ErrCodeMalformedRequest)
		writeProxyErrorResponse(w, http.StatusBadRequest, ErrCodeMalformedRequest, "Bad Request")
		return
	}

	decision := Decide(authority.Hostname, authority.Port, p.config)
	target := upstreamURL(r.URL, decision, isHTTPS)
	if decision.IsRedirected {
		log.Info("Redirecting %s %s to %s", r.Method, r.URL, target)
	} else {
		log.Info("Forwarding %s %s", r.Method, target)
	}

	statsCtx := context.WithoutCancel(r.Context())
	connectionID := p.startConnection(statsCtx, requestID, r.RemoteAddr, decision, stats.ProtocolHTTP)
	var status int
	var written int64
	defer func() {
		p.metrics.ObserveRequest(decision.IsRedirected, status, time.Since(start))
		reqBytes := r.ContentLength
		if reqBytes < 0 {
			reqBytes = 0
		}
		p.endConnection(statsCtx, connectionID, reqBytes, written, time.Since(start), strconv.Itoa(status))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var body io.Reader = http.NoBody
	if r.ContentLength != 0 {
		body = r.Body
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		log.Error("Failed to create upstream request: %v", err)
		status = http.StatusInternalServerError
		p.metrics.Error(ErrCodeInternalError)
		writeProxyErrorResponse(w, status, ErrCodeInternalError, "Proxy Error")
		return
	}
	outReq.ContentLength = r.ContentLength
	copyHeaders(outReq.Header, r.Header, nil)
	if decision.IsRedirected {
		outReq.Host = decision.EffectiveHost
		outReq.Header.Set("User-Agent", p.config.UserAgent)
	} else {
		outReq.Host = r.Host
		if _, ok := outReq.Header["User-Agent"]; !ok {
			// Keep the transport from adding its own User-Agent.
			outReq.Header.Set("User-Agent", "")
		}
	}

	if err := p.collector.RecordHTTPRequest(statsCtx, connectionID, r.Method, target.String(), outReq.Host, outReq.Header.Get("User-Agent"), r.ContentLength); err != nil {
		log.Debug("Failed to record HTTP request: %v", err)
	}

	timer := startAttemptTimer(p.config.Timeout(), cancel)
	defer timer.Stop()

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		switch {
		case timer.Fired() || IsTimeout(err):
			log.Warn("Upstream %s timed out after %s", target.Host, p.config.Timeout())
			status = http.StatusGatewayTimeout
			proxyErr := newCodedError(ErrCodeUpstreamTimeout, err)
			p.metrics.Error(proxyErr.Code)
			p.recordError(statsCtx, connectionID, proxyErr)
			writeProxyErrorResponse(w, status, proxyErr.Code, "Gateway Timeout")
		case r.Context().Err() != nil:
			log.Debug("Client went away before %s answered", target.Host)
			status = 499
		default:
			status = http.StatusInternalServerError
			proxyErr := ClassifyDialError(err)
			logUpstreamFailure(log, target.Host, proxyErr)
			p.metrics.Error(proxyErr.Code)
			p.recordError(statsCtx, connectionID, proxyErr)
			writeProxyErrorResponse(w, status, proxyErr.Code, "Proxy Error")
		}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Debug("Error closing response body: %v", closeErr)
		}
	}()

	// From here on the timer limits the wait for each body chunk.
	if !timer.Reset() {
		log.Warn("Upstream %s timed out after %s", target.Host, p.config.Timeout())
		status = http.StatusGatewayTimeout
		p.metrics.Error(ErrCodeUpstreamTimeout)
		writeProxyErrorResponse(w, status, ErrCodeUpstreamTimeout, "Gateway Timeout")
		return
	}

	status = resp.StatusCode
	log.Debug("Upstream %s answered %d", target.Host, resp.StatusCode)
	if err := p.collector.RecordHTTPResponse(statsCtx, connectionID, resp.StatusCode, resp.ContentLength); err != nil {
		log.Debug("Failed to record HTTP response: %v", err)
	}

	var strip map[string]struct{}
	if decision.IsRedirected || p.config.SanitizeAllResponses {
		strip = sanitizedHeaders
	}
	copyHeaders(w.Header(), resp.Header, strip)
	w.WriteHeader(resp.StatusCode)

	written, err = streamBody(w, resp.Body, timer)
	if err != nil {
		proxyErr := newCodedError(ErrCodeStreamFault, err)
		if timer.Fired() {
			proxyErr = newCodedError(ErrCodeUpstreamTimeout, err)
		}
		log.Warn("Response stream from %s aborted after %d bytes: %v", target.Host, written, proxyErr)
		p.metrics.Error(proxyErr.Code)
		p.recordError(statsCtx, connectionID, proxyErr)
		// Headers are out; abort the client connection instead of completing the response.
		panic(http.ErrAbortHandler)
	}
}

// upstreamURL builds the URL the request is sent to.
func upstreamURL(in *url.URL, decision RewriteDecision, isHTTPS bool) *url.URL {
	out := &url.URL{
		Path:     in.Path,
		RawPath:  in.RawPath,
		RawQuery: in.RawQuery,
	}
	if decision.IsRedirected {
		out.Scheme = "https"
		out.Host = decision.EffectiveHost
		if decision.EffectivePort != 443 {
			out.Host = decision.Address()
		}
		return out
	}
	out.Scheme = "http"
	if isHTTPS {
		out.Scheme = "https"
	}
	out.Host = in.Host
	out.User = in.User
	return out
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and any listed in skip.
func copyHeaders(dst, src http.Header, skip map[string]struct{}) {
	for name, values := range src {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		if _, drop := skip[name]; drop {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// streamBody relays body to w chunk by chunk, flushing after each one and
// rearming timer. It returns once body ends or fails.
func streamBody(w http.ResponseWriter, body io.Reader, timer *attemptTimer) (int64, error) {
	rc := http.NewResponseController(w)
	return withChunkBuffer(func(buf []byte) (int64, error) {
		var written int64
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				if !timer.Reset() {
					return written, context.DeadlineExceeded
				}
				m, writeErr := w.Write(buf[:n])
				written += int64(m)
				if writeErr != nil {
					return written, writeErr
				}
				if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					return written, err
				}
			}
			if readErr == io.EOF {
				return written, nil
			}
			if readErr != nil {
				return written, readErr
			}
		}
	})
}
