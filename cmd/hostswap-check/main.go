// Command hostswap-check runs a few smoke checks against a running hostswap proxy.
package main

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codefionn/hostswap/hostswap-srv/logger"
)

// CheckResult represents the outcome of a single check.
type CheckResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Checker runs checks against one proxy.
type Checker struct {
	ProxyAddr  string
	SourceHost string
	TargetHost string
	Timeout    time.Duration
	Results    []CheckResult
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8888", "Proxy address (host:port)")
	sourceHost := flag.String("source", "api.anthropic.com", "Host the proxy redirects")
	targetHost := flag.String("target", "claude.ai", "Host the proxy redirects to")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	jsonOutput := flag.Bool("json", false, "Print results as JSON")
	timeout := flag.Int("timeout", 15, "Timeout per check in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	c := &Checker{
		ProxyAddr:  *proxyAddr,
		SourceHost: *sourceHost,
		TargetHost: *targetHost,
		Timeout:    time.Duration(*timeout) * time.Second,
	}

	logger.Info("Checking proxy %s (%s -> %s)", c.ProxyAddr, c.SourceHost, c.TargetHost)
	c.run("connect-redirect", c.checkRedirectedTunnel)
	c.run("connect-invalid-port", c.checkInvalidPort)
	c.run("http-redirect", c.checkRedirectedRequest)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Results); err != nil {
			logger.Fatal("Failed to encode results: %v", err)
		}
	} else {
		c.printResults()
	}
	for _, r := range c.Results {
		if !r.Success {
			os.Exit(1)
		}
	}
}

func (c *Checker) run(name string, check func() (string, error)) {
	logger.Debug("Running check: %s", name)
	start := time.Now()
	detail, err := check()
	result := CheckResult{
		Name:     name,
		Success:  err == nil,
		Duration: time.Since(start),
		Detail:   detail,
	}
	if err != nil {
		result.Error = err.Error()
	}
	c.Results = append(c.Results, result)
}

// connect sends a CONNECT for target and returns the status line.
func (c *Checker) connect(target string) (net.Conn, *bufio.Reader, string, error) {
	conn, err := net.DialTimeout("tcp", c.ProxyAddr, c.Timeout)
	if err != nil {
		return nil, nil, "", fmt.Errorf("dial proxy: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		_ = conn.Close()
		return nil, nil, "", fmt.Errorf("send CONNECT: %w", err)
	}
	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		_ = conn.Close()
		return nil, nil, "", fmt.Errorf("read CONNECT response: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}
	return conn, reader, strings.TrimSpace(status), nil
}

// checkRedirectedTunnel opens a tunnel to the source host and verifies that
// the TLS peer presents a certificate for the target host.
func (c *Checker) checkRedirectedTunnel() (string, error) {
	conn, _, status, err := c.connect(net.JoinHostPort(c.SourceHost, "443"))
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Debug("Error closing tunnel: %v", closeErr)
		}
	}()
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		return status, fmt.Errorf("unexpected status %q", status)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: c.TargetHost, MinVersion: tls.VersionTLS12})
	if err := tlsConn.Handshake(); err != nil {
		return status, fmt.Errorf("TLS handshake with %s: %w", c.TargetHost, err)
	}
	state := tlsConn.ConnectionState()
	return fmt.Sprintf("peer certificate %s", state.PeerCertificates[0].Subject.CommonName), nil
}

func (c *Checker) checkInvalidPort() (string, error) {
	conn, _, status, err := c.connect("example.com:0")
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	if !strings.HasPrefix(status, "HTTP/1.1 400") {
		return status, fmt.Errorf("expected 400, got %q", status)
	}
	return status, nil
}

// checkRedirectedRequest sends a plain HTTP request for the source host and
// verifies that the response carries no cookies.
func (c *Checker) checkRedirectedRequest() (string, error) {
	proxyURL, err := url.Parse("http://" + c.ProxyAddr)
	if err != nil {
		return "", err
	}
	client := &http.Client{
		Timeout:   c.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get("http://" + c.SourceHost + "/")
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if code := resp.Header.Get("X-Proxy-Error"); code != "" {
		return resp.Status, fmt.Errorf("proxy error %s", code)
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return resp.Status, fmt.Errorf("response still carries Set-Cookie")
	}
	return resp.Status, nil
}

func (c *Checker) printResults() {
	fmt.Printf("\n=== Proxy Check Results ===\n")
	fmt.Printf("Proxy: %s\n\n", c.ProxyAddr)

	failed := 0
	for _, result := range c.Results {
		status := "PASS"
		if !result.Success {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-22s %s %v %s\n", result.Name, status, result.Duration.Round(time.Millisecond), result.Detail)
		if result.Error != "" {
			fmt.Printf("%22s Error: %s\n", "", result.Error)
		}
	}
	fmt.Printf("\nPassed: %d, Failed: %d\n", len(c.Results)-failed, failed)
}
