package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/dhtrelay/internal/dht"
	"github.com/1ureka/dhtrelay/internal/protocol"
	"github.com/1ureka/dhtrelay/internal/signaling"
	"github.com/1ureka/dhtrelay/internal/transport"
	"github.com/1ureka/dhtrelay/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Options configures the relay's listeners.
type Options struct {
	HTTPAddr     string // empty disables HTTP
	TCPAddr      string // empty disables the raw stream listener
	MaxFrameSize int
	STUNServers  []string
}

// Server accepts controllers and runs a Session for each of them.
type Server struct {
	node   dht.Node
	opts   Options
	router chi.Router

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

func NewServer(node dht.Node, opts Options) *Server {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	s := &Server{
		node:     node,
		opts:     opts,
		sessions: make(map[*Session]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/signal", s.handleSignal)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(util.Registry, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler returns the HTTP surface: /ws, /signal, /healthz and /metrics.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions reports the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve runs one session over conn and blocks until it ends.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	sess := NewSession(s.node, conn)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.wg.Done()
	}()

	return sess.Run(ctx)
}

// ListenAndServe starts the configured listeners and blocks until ctx is
// cancelled or a listener fails. Live sessions are closed before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if s.opts.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPAddr, err)
		}
		httpSrv = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		util.LogSuccess("HTTP relay listening on %s (/ws, /signal, /metrics)", ln.Addr())
		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if s.opts.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.opts.TCPAddr)
		if err != nil {
			if httpSrv != nil {
				httpSrv.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.opts.TCPAddr, err)
		}
		util.LogSuccess("TCP relay listening on %s", ln.Addr())
		go func() {
			if err := s.ServeTCP(ctx, ln); err != nil {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	if httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		httpSrv.Shutdown(shutdownCtx)
	}
	s.closeSessions()
	return err
}

// ServeTCP accepts stream-framed controllers on ln until ctx is cancelled.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		util.Logf("TCP controller from %s", conn.RemoteAddr())
		go s.Serve(ctx, transport.NewStream(conn, s.opts.MaxFrameSize))
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	for sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := signaling.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("WS upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.Serve(r.Context(), transport.NewWebSocket(conn, s.opts.MaxFrameSize))
}

// handleSignal answers a WebRTC offer and serves the session over the
// resulting DataChannel. The handler blocks for the whole session since the
// DataChannel lives on the request context.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	conn, err := signaling.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("WS upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	tr, err := signaling.Answer(r.Context(), conn, signaling.Options{
		STUNServers:  s.opts.STUNServers,
		MaxFrameSize: s.opts.MaxFrameSize,
	})
	if err != nil {
		util.LogWarning("signaling with %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.Serve(r.Context(), tr)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok %d\n", s.Sessions())
}
