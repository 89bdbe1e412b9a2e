// Command hostswap-throughput measures forwarding and tunnel throughput of an
// in-process proxy against a local data server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/hostswap/hostswap-srv/config"
	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/proxy"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests or tunnels per mode")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 60*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Payload size in bytes per request or tunnel")
	mode        = flag.String("mode", "both", "What to measure: http, connect or both")
)

type stats struct {
	success atomic.Int64
	failed  atomic.Int64
	bytes   atomic.Int64
}

func (s *stats) print(name string, d time.Duration) {
	ok := s.success.Load()
	fmt.Printf("%-8s Duration: %.2f s, Success: %d, Errors: %d, RPS: %.2f, Throughput: %.2f MB/s\n",
		name, d.Seconds(), ok, s.failed.Load(), float64(ok)/d.Seconds(),
		float64(s.bytes.Load())/d.Seconds()/1024/1024)
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	payload := []byte(strings.Repeat("a", *dataSize))
	dataAddr := startDataServer(payload)
	echoAddr := startEchoServer()

	cfg := config.Default()
	cfg.TimeoutMs = 5000
	p, err := proxy.NewProxy(cfg)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen: %v", err)
	}
	if err := p.StartWithListener(proxyLn); err != nil {
		logger.Fatal("Failed to start proxy: %v", err)
	}
	defer func() { _ = p.Stop() }()

	failed := false
	if *mode == "http" || *mode == "both" {
		s, d := measure(ctx, func(ctx context.Context) (int64, error) {
			return fetchThroughProxy(ctx, p.Addr().String(), "http://"+dataAddr+"/data")
		})
		s.print("http", d)
		failed = failed || s.failed.Load() > 0
	}
	if *mode == "connect" || *mode == "both" {
		s, d := measure(ctx, func(ctx context.Context) (int64, error) {
			return echoThroughTunnel(ctx, p.Addr().String(), echoAddr, payload)
		})
		s.print("connect", d)
		failed = failed || s.failed.Load() > 0
	}

	if failed || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}

// measure runs numRequests operations with at most concurrency in flight.
func measure(ctx context.Context, op func(context.Context) (int64, error)) (*stats, time.Duration) {
	s := &stats{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		g.Go(func() error {
			n, err := op(gctx)
			if err != nil {
				logger.Debug("operation failed: %v", err)
				s.failed.Add(1)
				return nil
			}
			s.success.Add(1)
			s.bytes.Add(n)
			return nil
		})
	}
	_ = g.Wait()
	return s, time.Since(start)
}

func fetchThroughProxy(ctx context.Context, proxyAddr, target string) (int64, error) {
	proxyURL, _ := url.Parse("http://" + proxyAddr)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err == nil && n != int64(*dataSize) {
		err = fmt.Errorf("read %d bytes, want %d", n, *dataSize)
	}
	return n, err
}

func echoThroughTunnel(ctx context.Context, proxyAddr, target string, payload []byte) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return 0, err
	}
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("CONNECT status %d", resp.StatusCode)
	}

	go func() { _, _ = conn.Write(payload) }()
	n, err := io.CopyN(io.Discard, reader, int64(len(payload)))
	return n * 2, err
}

func startDataServer(payload []byte) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for data server: %v", err)
	}
	go func() {
		err := http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/data" {
				http.NotFound(w, r)
				return
			}
			if _, err := w.Write(payload); err != nil {
				logger.Error("failed to write data: %v", err)
			}
		}))
		logger.Error("Data server stopped: %v", err)
	}()
	return ln.Addr().String()
}

func startEchoServer() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for echo server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}
