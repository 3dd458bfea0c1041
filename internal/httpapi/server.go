package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/notifier"
	"github.com/dohr-michael/agentica-server/internal/registry"
)

// ClientSessionHeader carries the client-chosen session identifier on
// every session-scoped request (spec.md §6).
const ClientSessionHeader = "X-Client-Session-ID"

// SocketHandler accepts a websocket upgrade for an already-registered
// session and runs it to completion (spec.md §4.8's lifecycle orchestrator
// contract). internal/lifecycle.Orchestrator implements this; kept as an
// interface here so httpapi never imports the composition root.
type SocketHandler interface {
	ServeSocket(w http.ResponseWriter, r *http.Request, cid ids.CID)
}

// Server is the session manager's HTTP surface.
type Server struct {
	reg           *registry.Registry
	bus           *notifier.Bus
	versionPolicy *VersionPolicy
	socket        SocketHandler
	gatherer      prometheus.Gatherer

	httpServer *http.Server
}

// NewServer wires the chi router for every route of spec.md §6's HTTP
// surface table. Grounded on internal/gateway/server.go's router
// construction (middleware.Recoverer/RealIP) plus this package's own
// RequestLogging middleware; the version-policy check runs inside
// handleAgentCreate, not as middleware.
func NewServer(reg *registry.Registry, bus *notifier.Bus, socket SocketHandler, gatherer prometheus.Gatherer, versionPolicy *VersionPolicy, host string, port int) *Server {
	s := &Server{reg: reg, bus: bus, versionPolicy: versionPolicy, socket: socket, gatherer: gatherer}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestLogging)

	r.Get("/health", s.handleHealth)
	r.Post("/session/register", s.handleSessionRegister)
	r.Post("/agent/create", s.handleAgentCreate)
	r.Delete("/agent/destroy/{uid}", s.handleAgentDestroy)
	r.Get("/socket", s.handleSocket)
	r.Get("/logs/*", s.handleLogs)
	r.Get("/echo/*", s.handleEcho)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

// Handler exposes the underlying router for tests (httptest.NewServer).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
