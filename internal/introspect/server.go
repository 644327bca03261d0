package introspect

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/registry"
)

// Server is the read-only observability HTTP+WS surface of SPEC_FULL.md.
// It holds no write path into the router: GET /workers snapshots the
// registry and GET /events streams lifecycle notifications the router
// publishes through a Hub, but nothing here can issue an Order.
type Server struct {
	reg  *registry.Registry
	hub  *Hub
	log  *logrus.Entry
	http *http.Server
}

// New wires a gin engine with the two read-only routes. Callers start the
// hub's Run loop themselves (see NewHub) so its lifetime isn't tied to one
// listener accept loop.
func New(addr string, reg *registry.Registry, hub *Hub, log *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{reg: reg, hub: hub, log: log}

	engine.GET("/workers", s.handleWorkers)
	engine.GET("/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workers": s.reg.List()})
}

func (s *Server) handleEvents(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}

// Serve starts accepting connections on ln and blocks until the listener
// is closed or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	err := s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, waiting up to ctx's deadline
// for in-flight requests (the websocket connections it owns are cut loose
// immediately, matching net/http's documented Shutdown behavior for
// hijacked connections).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
