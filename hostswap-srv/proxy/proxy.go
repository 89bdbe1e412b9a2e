package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/config"
	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/metrics"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

// Server dispatches proxy requests: CONNECT to the tunnel manager, everything
// else to the HTTP forwarder.
type Server struct {
	config    *config.Config
	dialer    Dialer
	transport *http.Transport
	collector stats.Collector
	metrics   *metrics.Metrics
}

// Proxy owns the listener and lifecycle of one proxy instance.
type Proxy struct {
	config  *config.Config
	handler *Server

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	serveDone chan struct{}
	stopping  bool
}

// Option customizes a Proxy.
type Option func(*options)

type options struct {
	dialer    Dialer
	tlsConfig *tls.Config
	collector stats.Collector
	metrics   *metrics.Metrics
}

// WithDialer replaces the upstream dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTLSClientConfig sets the TLS config used for HTTPS upstream requests.
func WithTLSClientConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithCollector sets the statistics collector. Defaults to a no-op collector.
func WithCollector(c stats.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithMetrics sets the metrics instance. Defaults to a private instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewProxy creates a proxy for cfg. The config is not modified afterwards.
func NewProxy(cfg *config.Config, opts ...Option) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newCodedError(ErrCodeConfigInvalid, err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		d, err := NewDialer(cfg)
		if err != nil {
			return nil, err
		}
		o.dialer = d
	}
	if o.collector == nil {
		o.collector = stats.NewDummyCollector()
	}
	if o.metrics == nil {
		o.metrics = metrics.New("")
	}

	return &Proxy{
		config: cfg,
		handler: &Server{
			config:    cfg,
			dialer:    o.dialer,
			transport: newUpstreamTransport(o.dialer, o.tlsConfig),
			collector: o.collector,
			metrics:   o.metrics,
		},
	}, nil
}

// Handler returns the proxy's http.Handler.
func (p *Proxy) Handler() http.Handler {
	return p.handler
}

// Start binds 127.0.0.1:<port> and serves in the background. Bind errors are
// returned synchronously.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.config.ListenAddress())
	if err != nil {
		return newCodedError(ErrCodeListenerCreateFailed, fmt.Errorf("listen on %s: %w", p.config.ListenAddress(), err))
	}
	return p.StartWithListener(listener)
}

// StartWithListener serves on an already bound listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return fmt.Errorf("proxy already started on %s", p.listener.Addr())
	}

	p.server = &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: p.config.Timeout(),
		IdleTimeout:       90 * time.Second,
		ErrorLog:          log.New(serverLogWriter{}, "", 0),
	}
	p.listener = listener
	p.serveDone = make(chan struct{})
	p.stopping = false

	logger.Info("Starting proxy server on %s (redirecting %s to %s)", listener.Addr(), p.config.SourceHost, p.config.TargetHost)

	go func(srv *http.Server, l net.Listener, done chan struct{}) {
		defer close(done)
		err := srv.Serve(l)
		p.mu.Lock()
		stopping := p.stopping
		p.mu.Unlock()
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !stopping {
			logger.Error("Proxy server on %s failed: %v", l.Addr(), err)
		}
	}(p.server, listener, p.serveDone)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop stops accepting connections and returns once the accept loop has
// exited. Requests and tunnels already in flight run to completion.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.server == nil {
		p.mu.Unlock()
		return nil
	}
	srv, listener, done := p.server, p.listener, p.serveDone
	p.stopping = true
	p.server = nil
	p.mu.Unlock()

	srv.SetKeepAlivesEnabled(false)
	err := listener.Close()
	<-done

	if err != nil && !isClosedConnError(err) {
		return err
	}
	logger.Info("Proxy server on %s stopped", listener.Addr())
	return nil
}

// ServeHTTP dispatches a single inbound request.
func (p *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	if !r.URL.IsAbs() || r.URL.Host == "" || (r.URL.Scheme != "http" && r.URL.Scheme != "https") {
		logger.Warn("Rejecting non-proxy request %s %s from %s", r.Method, r.RequestURI, r.RemoteAddr)
		p.metrics.Error(ErrCodeMalformedRequest)
		writeProxyErrorResponse(w, http.StatusBadRequest, ErrCodeMalformedRequest, "Bad Request")
		return
	}

	p.forwardRequest(w, r)
}

// serverLogWriter routes net/http server errors into the debug log.
type serverLogWriter struct{}

func (serverLogWriter) Write(b []byte) (int, error) {
	logger.Debug("http server: %s", strings.TrimRight(string(b), "\n"))
	return len(b), nil
}
