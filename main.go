package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/httpapi"
	"github.com/wajeehajaved01/real-time-chat-application/internal/metrics"
	"github.com/wajeehajaved01/real-time-chat-application/internal/relay"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := pflag.String("config", "", "YAML config file path")
	tcpAddr := pflag.String("tcp", "", "control listen address (overrides config)")
	udpAddr := pflag.String("udp", "", "voice listen address (overrides config)")
	httpAddr := pflag.String("http", "", "admin API listen address (overrides config)")
	wtAddr := pflag.String("webtransport", "", "WebTransport listen address (overrides config)")
	noWT := pflag.Bool("no-webtransport", false, "disable the WebTransport ingress")
	room := pflag.String("room", "", "default room name (overrides config)")
	debug := pflag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	version := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Printf("chat relay server %s\n", Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *tcpAddr != "" {
		cfg.TCPAddr = *tcpAddr
	}
	if *udpAddr != "" {
		cfg.UDPAddr = *udpAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *wtAddr != "" {
		cfg.WebTransportAddr = *wtAddr
	}
	if *noWT {
		cfg.WebTransportAddr = ""
	}
	if *room != "" {
		cfg.DefaultRoom = *room
	}

	level := slog.LevelInfo
	if *debug || cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting chat relay", "version", Version,
		"control", cfg.TCPAddr, "voice", cfg.UDPAddr, "http", cfg.HTTPAddr, "room", cfg.DefaultRoom)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	reg := core.NewRegistry(cfg.DefaultRoom)
	calls := core.NewCallMap()
	metrics.RegisterStateGauges(promReg, reg.Count, calls.Count)

	rly := relay.New(relay.Config{
		TCPAddr:          cfg.TCPAddr,
		UDPAddr:          cfg.UDPAddr,
		WebTransportAddr: cfg.WebTransportAddr,
		WebTransportHost: cfg.WebTransportHost,
		DefaultRoom:      cfg.DefaultRoom,
	}, reg, calls, m)

	api := httpapi.New(reg, calls, rly, promReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go rly.RunStats(ctx, 30*time.Second)

	errCh := make(chan error, 2)
	go func() { errCh <- rly.Run(ctx) }()
	go func() { errCh <- api.Run(ctx, cfg.HTTPAddr) }()

	var exitErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && exitErr == nil {
			exitErr = err
			cancel()
		}
	}
	if exitErr != nil {
		slog.Error("server error", "err", exitErr)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
