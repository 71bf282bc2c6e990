// Package gateway is the protocol surface: a bidirectional WebSocket for
// the SPA plus a small REST API, both speaking the pkg/protocol shapes.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/M3kH/gigi/internal/agent"
	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/thread"
	"github.com/M3kH/gigi/internal/webhook"
	"github.com/M3kH/gigi/pkg/protocol"
)

// Server owns the HTTP listener, the WebSocket clients, and their
// outbound queues.
type Server struct {
	cfg      config.GatewayConfig
	stores   *store.Stores
	router   *router.Router
	threads  *thread.Service
	budget   *agent.Budget
	bus      *bus.Bus
	ingester *webhook.Ingester

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// Deps wires the gateway.
type Deps struct {
	Config   config.GatewayConfig
	Stores   *store.Stores
	Router   *router.Router
	Threads  *thread.Service
	Budget   *agent.Budget
	Bus      *bus.Bus
	Ingester *webhook.Ingester
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		stores:   d.Stores,
		router:   d.Router,
		threads:  d.Threads,
		budget:   d.Budget,
		bus:      d.Bus,
		ingester: d.Ingester,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if d.Config.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(d.Config.RateLimitRPM)/60), d.Config.RateLimitRPM)
	}
	return s
}

// checkOrigin validates browser origins against the whitelist. Empty
// Origin (CLI clients, channels) is always allowed; no whitelist means
// allow all.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// BuildMux registers all routes; cached so tests can mount it directly.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/webhooks/forge", s.ingester)

	s.registerREST(mux)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then drains with a grace period.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     mux,
		IdleTimeout: 2 * time.Minute,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close("")
	}()

	// Opening snapshot: the recent threads, so the SPA can render the
	// sidebar before asking for anything.
	if threads, err := s.stores.Threads.List(r.Context(), store.ThreadFilter{Limit: 50}); err == nil {
		client.enqueue(protocol.NewServerMessage(protocol.ServerConversationList, "", threads))
	}

	client.run()
}

// authorized checks the bearer token when one is configured. WS clients
// may pass it as ?token= because browsers cannot set headers on upgrade.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.TrimPrefix(h, "Bearer ") == s.cfg.Token {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.Token
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// mirror sends a frame to every client except the originator (view
// navigation hints, title updates).
func (s *Server) mirror(from *Client, msg *protocol.ServerMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.clients {
		if id == from.id {
			continue
		}
		c.enqueue(msg)
	}
}

// StartTestServer runs the gateway on an ephemeral port for integration
// tests; returns the base address.
func StartTestServer(t interface{ Cleanup(func()) }, s *Server) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	srv := &http.Server{Handler: s.BuildMux()}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ln.Addr().String()
}
