package tcpmsg

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminServer provides the ops HTTP surface for a running Server: health
// checking, session inspection, kicks, aggregate stats, and Prometheus
// metrics. It listens on a separate TCP port from the message listener.
type adminServer struct {
	srv  *Server
	echo *echo.Echo
}

func newAdminServer(s *Server) *adminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("admin request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	a := &adminServer{srv: s, echo: e}
	a.registerRoutes()
	return a
}

func (a *adminServer) registerRoutes() {
	a.echo.GET("/health", a.handleHealth)
	a.echo.GET("/api/clients", a.handleClients)
	a.echo.DELETE("/api/clients/:id", a.handleKick)
	a.echo.GET("/api/stats", a.handleStats)
	a.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.srv.promReg, promhttp.HandlerOpts{})))
}

// run starts the admin HTTP server on addr and blocks until ctx is
// cancelled. An admin listener failure is logged, not fatal to the message
// server.
func (a *adminServer) run(ctx context.Context, addr string) error {
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			a.srv.log.Warn("admin api error", "addr", addr, "err", err)
		}
	}()
	a.srv.log.Info("admin api listening", "addr", addr)
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.echo.Shutdown(shutCtx)
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (a *adminServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Clients: a.srv.ClientCount()})
}

func (a *adminServer) handleClients(c echo.Context) error {
	clients := a.srv.Clients()
	if clients == nil {
		clients = []ClientInfo{}
	}
	return c.JSON(http.StatusOK, clients)
}

// handleKick disconnects one session. The :id segment accepts either the
// session id (URL-safe) or an endpoint id passed percent-encoded.
func (a *adminServer) handleKick(c echo.Context) error {
	id := c.Param("id")
	sess := a.srv.reg.bySID(id)
	if sess == nil {
		sess = a.srv.reg.get(id)
	}
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such client")
	}
	a.srv.kick(sess)
	return c.NoContent(http.StatusNoContent)
}

// StatsResponse is the payload for GET /api/stats.
type StatsResponse struct {
	Clients      int    `json:"clients"`
	BytesRead    int64  `json:"bytes_read"`
	BytesWritten int64  `json:"bytes_written"`
	ReadHuman    string `json:"read_human"`
	WrittenHuman string `json:"written_human"`
	UptimeSec    int64  `json:"uptime_sec"`
}

func (a *adminServer) handleStats(c echo.Context) error {
	var rx, tx int64
	sessions := a.srv.reg.list()
	for _, sess := range sessions {
		rx += sess.stream.BytesRead()
		tx += sess.stream.BytesWritten()
	}
	return c.JSON(http.StatusOK, StatsResponse{
		Clients:      len(sessions),
		BytesRead:    rx,
		BytesWritten: tx,
		ReadHuman:    humanize.Bytes(uint64(rx)),
		WrittenHuman: humanize.Bytes(uint64(tx)),
		UptimeSec:    int64(time.Since(a.srv.startedAt).Seconds()),
	})
}
