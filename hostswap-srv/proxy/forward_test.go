package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamURL(t *testing.T) {
	redirect := RewriteDecision{EffectiveHost: "claude.ai", EffectivePort: 443, IsRedirected: true}
	pass := RewriteDecision{EffectiveHost: "example.com", EffectivePort: 8080}

	in, _ := url.Parse("http://api.anthropic.com/v1/messages?beta=true")
	assert.Equal(t, "https://claude.ai/v1/messages?beta=true", upstreamURL(in, redirect, false).String())

	in, _ = url.Parse("http://example.com:8080/a%2Fb?x=1")
	assert.Equal(t, "http://example.com:8080/a%2Fb?x=1", upstreamURL(in, pass, false).String())

	in, _ = url.Parse("https://example.com/secure")
	assert.Equal(t, "https://example.com/secure", upstreamURL(in, pass, true).String())
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{
		"Connection":        {"keep-alive"},
		"Proxy-Connection":  {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Set-Cookie":        {"a=1", "b=2"},
		"X-Request-Id":      {"abc"},
	}

	dst := http.Header{}
	copyHeaders(dst, src, nil)
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	assert.Equal(t, "abc", dst.Get("X-Request-Id"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Proxy-Connection"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))

	dst = http.Header{}
	copyHeaders(dst, src, sanitizedHeaders)
	assert.Empty(t, dst.Values("Set-Cookie"))
	assert.Equal(t, "abc", dst.Get("X-Request-Id"))
}

func TestForward_RedirectsSourceHost(t *testing.T) {
	var gotHost, gotUA, gotPath, gotBody string
	_, dialer, tlsConfig := redirectTarget(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.UserAgent()
		gotPath = r.URL.RequestURI()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		w.Header().Set("Set-Cookie", "session=secret")
		w.Header().Set("Server", "upstream/1.0")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "redirected response")
	}))

	_, proxyURL := startTestProxy(t, testConfig(), WithDialer(dialer), WithTLSClientConfig(tlsConfig))
	client := proxiedClient(proxyURL, nil)

	req, err := http.NewRequest(http.MethodPost, "http://api.anthropic.com/v1/messages?stream=false", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Header.Set("User-Agent", "curl/8.0")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "redirected response", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("Server"))

	assert.Equal(t, testTargetHost, gotHost)
	assert.Equal(t, "Claude-Proxy/1.0", gotUA)
	assert.Equal(t, "/v1/messages?stream=false", gotPath)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, []string{"example.com:443"}, dialer.Dials())
}

func TestForward_PassThroughKeepsHeaders(t *testing.T) {
	var gotHost, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.UserAgent()
		w.Header().Set("Set-Cookie", "session=kept")
		w.Header().Set("Server", "upstream/1.0")
		_, _ = io.WriteString(w, "pass-through")
	}))
	defer upstream.Close()

	_, proxyURL := startTestProxy(t, testConfig())
	client := proxiedClient(proxyURL, nil)

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/hello", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "my-client/2.0")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pass-through", string(body))
	assert.Equal(t, "session=kept", resp.Header.Get("Set-Cookie"))
	assert.Equal(t, "upstream/1.0", resp.Header.Get("Server"))
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), gotHost)
	assert.Equal(t, "my-client/2.0", gotUA)
}

func TestForward_SanitizeAllResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=secret")
		w.Header().Set("Server", "upstream/1.0")
		w.Header().Set("X-Kept", "1")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.SanitizeAllResponses = true
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Values("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("Server"))
	assert.Equal(t, "1", resp.Header.Get("X-Kept"))
}

func TestForward_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	_, proxyURL := startTestProxy(t, testConfig())
	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/elsewhere", resp.Header.Get("Location"))
}

func TestForward_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.TimeoutMs = 100
	_, proxyURL := startTestProxy(t, cfg)

	start := time.Now()
	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "Gateway Timeout", string(body))
	assert.Equal(t, ErrCodeUpstreamTimeout, resp.Header.Get("X-Proxy-Error"))
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestForward_StalledBodyAbortsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "first chunk")
		w.(http.Flusher).Flush()
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "never seen")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.TimeoutMs = 150
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "an aborted response must not end cleanly")
	assert.Equal(t, "first chunk", string(body))
}

func TestForward_StreamsSlowBodyWithinIdleTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			_, _ = io.WriteString(w, "tick\n")
			w.(http.Flusher).Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	// The whole body takes longer than the timeout, but no single gap does.
	cfg := testConfig()
	cfg.TimeoutMs = 300
	_, proxyURL := startTestProxy(t, cfg)

	resp, err := proxiedClient(proxyURL, nil).Get(upstream.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("tick\n", 4), string(body))
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	_, proxyURL := startTestProxy(t, testConfig())

	resp, err := proxiedClient(proxyURL, nil).Get("http://" + closedAddr(t) + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Proxy Error", string(body))
	assert.Equal(t, ErrCodeUpstreamUnreachable, resp.Header.Get("X-Proxy-Error"))
}

func TestForward_RejectsNonProxyRequests(t *testing.T) {
	_, proxyURL := startTestProxy(t, testConfig())

	// An origin-form request is not a proxy request.
	resp, err := http.Get(proxyURL.String() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Bad Request", string(body))
	assert.Equal(t, ErrCodeMalformedRequest, resp.Header.Get("X-Proxy-Error"))
}

func TestForward_RejectsBadPort(t *testing.T) {
	_, proxyURL := startTestProxy(t, testConfig())

	conn, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, "GET http://example.com:70000/ HTTP/1.1\r\nHost: example.com:70000\r\n\r\n")
	require.NoError(t, err)

	buf := make([]byte, 12)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 400", string(buf))
}
