// Package httpapi exposes the relay's read-only admin HTTP surface:
// health and state endpoints, Prometheus metrics, and the websocket
// ingress for browser clients.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wajeehajaved01/real-time-chat-application/internal/core"
	"github.com/wajeehajaved01/real-time-chat-application/internal/relay"
)

// ControlServer serves one client control channel; satisfied by
// *relay.Server and by mocks in tests.
type ControlServer interface {
	ServeControl(ctx context.Context, conn relay.Conn, remote string)
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	reg     *core.Registry
	calls   *core.CallMap
	control ControlServer
}

// New constructs the Echo app with all routes registered. gatherer may be
// nil to disable the /metrics endpoint.
func New(reg *core.Registry, calls *core.CallMap, control ControlServer, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, reg: reg, calls: calls, control: control}
	s.registerRoutes(gatherer)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/calls", s.handleCalls)
	if gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	if s.control != nil {
		s.echo.GET("/ws", s.handleWebSocket)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.reg.Count(),
	})
}

type stateResponse struct {
	Clients int                 `json:"clients"`
	Users   []string            `json:"users"`
	Rooms   map[string][]string `json:"rooms"`
	Calls   [][2]string         `json:"calls"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.reg.SnapshotUsers()
	return c.JSON(http.StatusOK, stateResponse{
		Clients: len(users),
		Users:   users,
		Rooms:   s.reg.SnapshotRooms(),
		Calls:   s.calls.Snapshot(),
	})
}

func (s *Server) handleRooms(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reg.SnapshotRooms())
}

func (s *Server) handleCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, s.calls.Snapshot())
}
