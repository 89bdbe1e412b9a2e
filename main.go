package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/hostswap/hostswap-srv/config"
	"github.com/codefionn/hostswap/hostswap-srv/logger"
	"github.com/codefionn/hostswap/hostswap-srv/metrics"
	"github.com/codefionn/hostswap/hostswap-srv/proxy"
	"github.com/codefionn/hostswap/hostswap-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	os.Exit(runProxy(cfg, configPath))
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag || *versionShortFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("hostswap version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := godotenv.Load(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	if *debugMode {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.GetLevelFromString(cfg.LogLevel))
	}

	logger.Debug("Using configuration file: %s", *configPathPtr)
	logger.Debug("Redirecting %s to %s, timeout %s", cfg.SourceHost, cfg.TargetHost, cfg.Timeout())
	if cfg.UpstreamProxy != "" {
		logger.Debug("Chaining upstream connections through %s", cfg.UpstreamProxy)
	}

	return cfg, *configPathPtr
}

// runProxy starts the proxy and serves until SIGINT or SIGTERM. SIGHUP reloads
// the configuration and restarts the proxy when it changed. The returned value
// is the process exit code.
func runProxy(cfg *config.Config, configPath string) int {
	collector, err := stats.CreateCollector(&cfg.Statistics)
	if err != nil {
		logger.Error("Statistics disabled: %v", err)
		collector = stats.NewDummyCollector()
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error("Error closing statistics collector: %v", err)
		}
	}()

	m := metrics.New("")

	proxyInstance, err := startProxy(cfg, collector, m)
	if err != nil {
		logger.Error("Failed to start proxy: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddress != "" {
		serveMetrics(ctx, g, cfg.MetricsAddress, m)
	}

	g.Go(func() error {
		defer cancel()
		return handleSignals(ctx, proxyInstance, cfg, configPath, collector, m)
	})

	if err := g.Wait(); err != nil {
		logger.Error("hostswap terminated with error: %v", err)
		return 1
	}
	logger.Info("Proxy server shutdown complete")
	return 0
}

func startProxy(cfg *config.Config, collector stats.Collector, m *metrics.Metrics) (*proxy.Proxy, error) {
	p, err := proxy.NewProxy(cfg, proxy.WithCollector(collector), proxy.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// serveMetrics runs the Prometheus endpoint until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, m *metrics.Metrics) {
	srv := metrics.NewServer(addr, m)

	g.Go(func() error {
		logger.Info("Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func handleSignals(ctx context.Context, proxyInstance *proxy.Proxy, cfg *config.Config, configPath string, collector stats.Collector, m *metrics.Metrics) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	currentCfg := cfg
	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return proxyInstance.Stop()
		}

		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting proxy.")
				continue
			}
			logger.Info("Config changed (%v). Restarting proxy...", config.ChangedFields(currentCfg, newCfg))
			if newCfg.Statistics != currentCfg.Statistics || newCfg.MetricsAddress != currentCfg.MetricsAddress {
				logger.Warn("Statistics and metrics settings take effect after a full restart")
			}
			if err := proxyInstance.Stop(); err != nil {
				logger.Error("Error stopping proxy for reload: %v", err)
			}

			restarted, err := startProxy(newCfg, collector, m)
			if err != nil {
				logger.Error("Failed to start proxy with new configuration: %v", err)
				restarted, err = startProxy(currentCfg, collector, m)
				if err != nil {
					return fmt.Errorf("restoring previous proxy: %w", err)
				}
				proxyInstance = restarted
				continue
			}
			proxyInstance = restarted
			currentCfg = newCfg
			logger.SetLevel(logger.GetLevelFromString(newCfg.LogLevel))
			logger.Info("Proxy restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down proxy server...", sig)
			return proxyInstance.Stop()
		}
	}
}
