// cnrelay - WebSocket to CryptoNote pool relay

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/webxla/cnrelay/internal/config"
	"github.com/webxla/cnrelay/internal/metrics"
	"github.com/webxla/cnrelay/internal/proxysocks"
	"github.com/webxla/cnrelay/internal/registry"
	"github.com/webxla/cnrelay/internal/server"
	"github.com/webxla/cnrelay/pkg/logger"
)

const version = "0.1.0"

func main() {
	cfgFile := flag.String("config", "", "Path to configuration file (optional)")
	port := flag.Int("port", 0, "Listen port, overrides configuration")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println("cnrelay v" + version)
		os.Exit(0)
	}

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}
	if *port != 0 {
		host, _, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			host = ""
		}
		cfg.Listen = net.JoinHostPort(host, strconv.Itoa(*port))
	}
	logger.SetDebug(*debug || cfg.Debug)

	dialer, err := proxysocks.NewDialer(cfg.Socks)
	if err != nil {
		logger.Error("socks dialer: %v", err)
		os.Exit(1)
	}
	if dialer.Enabled() {
		logger.Info("routing pool connections through socks proxy %s:%d", cfg.Socks.Host, cfg.Socks.Port)
	}

	mx := metrics.NewCollector().WithPrometheus("cnrelay")
	reg := registry.New(cfg.Heartbeat, mx)
	srv := server.New(cfg, reg, mx, dialer, version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go reg.Run(ctx)
	go srv.ReportLoop(ctx, 10*time.Minute)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("server: %v", err)
			cancel()
			sigCh <- syscall.SIGTERM
		}
	}()

	<-sigCh
	logger.Info("shutting down...")
	cancel()

	// Let sessions flush close frames before the process exits.
	time.Sleep(2 * time.Second)
	logger.Info("shutdown complete")
}
