package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/metrics"
)

// Conn is one client control channel: a reliable, ordered byte stream
// carrying newline-framed JSON and embedded file bytes. TCP connections,
// WebTransport streams, and the websocket adapter all satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Config holds the relay listen addresses and tunables.
type Config struct {
	TCPAddr          string        // control + file channel, default :5555
	UDPAddr          string        // voice datagram channel, default :5556
	WebTransportAddr string        // browser ingress; empty disables it
	WebTransportHost string        // certificate hostname for the browser ingress
	DefaultRoom      string        // room new logins are placed in
	SendBuffer       int           // per-client outbound mailbox depth
	LoginTimeout     time.Duration // deadline for the login frame
	MaxFileSize      int64         // reject file transfers larger than this
}

// Server is the chat relay: it accepts control connections, routes room
// broadcasts, private messages and file transfers between clients, and
// forwards voice datagrams between established call partners.
type Server struct {
	cfg     Config
	reg     *core.Registry
	calls   *core.CallMap
	metrics *metrics.Metrics

	ready   chan struct{}
	tcpAddr net.Addr
	udpAddr net.Addr

	// Voice stats accumulated between RunStats ticks.
	voiceDatagrams atomic.Uint64
	voiceBytes     atomic.Uint64
}

// New constructs a relay server. Zero config fields get defaults.
func New(cfg Config, reg *core.Registry, calls *core.CallMap, m *metrics.Metrics) *Server {
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = ":5555"
	}
	if cfg.UDPAddr == "" {
		cfg.UDPAddr = ":5556"
	}
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "lobby"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = core.DefaultSendBuffer
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 30 * time.Second
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 64 * 1024 * 1024
	}
	if cfg.MaxFileSize > math.MaxUint32 {
		// The wire carries file sizes in a 4-byte prefix.
		slog.Warn("max file size exceeds the wire format, clamping",
			"configured", cfg.MaxFileSize, "clamped", uint32(math.MaxUint32))
		cfg.MaxFileSize = math.MaxUint32
	}
	return &Server{
		cfg:     cfg,
		reg:     reg,
		calls:   calls,
		metrics: m,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once all listeners are bound; ControlAddr and VoiceAddr
// are valid after that. Mainly for tests binding ephemeral ports.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ControlAddr returns the bound TCP address.
func (s *Server) ControlAddr() net.Addr { return s.tcpAddr }

// VoiceAddr returns the bound UDP address.
func (s *Server) VoiceAddr() net.Addr { return s.udpAddr }

// Run binds the listeners and serves until ctx is cancelled or a listener
// fails. All sessions observe the cancellation through their closed
// connections and run their normal teardown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	defer ln.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
	if err != nil {
		return fmt.Errorf("resolve voice address: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen voice: %w", err)
	}
	defer udp.Close()

	s.tcpAddr = ln.Addr()
	s.udpAddr = udp.LocalAddr()
	close(s.ready)

	slog.Info("relay listening", "control", ln.Addr().String(), "voice", udp.LocalAddr().String())

	errCh := make(chan error, 3)
	go func() { errCh <- s.acceptLoop(ctx, ln) }()
	go func() { errCh <- s.runVoice(ctx, udp) }()

	if s.cfg.WebTransportAddr != "" {
		tlsConf, fingerprint, err := generateTLSConfig(14*24*time.Hour, s.cfg.WebTransportHost)
		if err != nil {
			return fmt.Errorf("webtransport tls: %w", err)
		}
		slog.Info("webtransport listening", "addr", s.cfg.WebTransportAddr, "cert_sha256", fingerprint)
		go func() { errCh <- s.runWebTransport(ctx, tlsConf) }()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}
	cancel()
	return runErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ServeControl(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}

// RunStats logs relay activity every interval until ctx is cancelled.
func (s *Server) RunStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams := s.voiceDatagrams.Swap(0)
			bytes := s.voiceBytes.Swap(0)
			clients := s.reg.Count()
			calls := s.calls.Count()
			if clients > 0 || datagrams > 0 {
				slog.Info("relay stats",
					"clients", clients,
					"calls", calls,
					"voice_datagrams", datagrams,
					"voice_kbps", float64(bytes)/interval.Seconds()/1024*8)
			}
		}
	}
}
