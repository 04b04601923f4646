// Package httpd is the HTTP server: it listens (optionally with TLS),
// decodes requests, streams bodies up to a configured cap, and routes
// by longest-prefix path match (§4.4). Concurrency for socket I/O uses
// Go's native net/http goroutine-per-connection model, following the
// teacher's chi-based server (internal/server/server.go); the
// non-reentrancy invariant the specification asks of the *core*
// applies to the hook chain and action queue those handlers call into
// via reactor.Call, not to raw socket reads, which Go's runtime
// already multiplexes safely without a hand-rolled event loop.
package httpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config carries the §6 httpd table.
type Config struct {
	IP                  string
	Port                uint16
	CertificateFile     string
	PrivateKeyFile      string
	MaxConnections      int
	MaxConnectionsPerIP int
	MemoryLimit         int64
	ContentSizeLimit    int64
	ConnectionTimeout   time.Duration
}

// Server accepts connections and dispatches to registered handlers.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *router
	inner  *http.Server

	mu         sync.Mutex
	totalConns int
	connsPerIP map[string]int
}

// New constructs a Server. AddHandler must be called before Serve.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.ConnectionTimeout < 0 || cfg.ConnectionTimeout > 300*time.Second {
		cfg.ConnectionTimeout = 300 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		router:     newRouter(),
		connsPerIP: make(map[string]int),
	}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(requestIDMiddleware)
	mux.Use(s.connectionLimitMiddleware)
	mux.Handle("/*", http.HandlerFunc(s.serveHTTP))

	handler := otelhttp.NewHandler(mux, "gitlab-hookshot")

	s.inner = &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ConnectionTimeout,
		WriteTimeout: cfg.ConnectionTimeout,
		IdleTimeout:  cfg.ConnectionTimeout,
	}
	return s
}

// AddHandler registers handler for path (§4.4.1).
func (s *Server) AddHandler(path string, handler HandlerFunc) error {
	return s.router.Add(path, handler)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) connectionLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxConnections > 0 || s.cfg.MaxConnectionsPerIP > 0 {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			s.mu.Lock()
			if s.cfg.MaxConnections > 0 && s.totalConns >= s.cfg.MaxConnections {
				s.mu.Unlock()
				http.Error(w, "too many connections", http.StatusServiceUnavailable)
				return
			}
			if s.cfg.MaxConnectionsPerIP > 0 && s.connsPerIP[host] >= s.cfg.MaxConnectionsPerIP {
				s.mu.Unlock()
				http.Error(w, "too many connections from peer", http.StatusServiceUnavailable)
				return
			}
			s.totalConns++
			s.connsPerIP[host]++
			s.mu.Unlock()
			defer func() {
				s.mu.Lock()
				s.totalConns--
				s.connsPerIP[host]--
				if s.connsPerIP[host] <= 0 {
					delete(s.connsPerIP, host)
				}
				s.mu.Unlock()
			}()
		}
		next.ServeHTTP(w, r)
	})
}

// serveHTTP is the single entry point for every routed request; it
// implements §4.4.2/§4.4.3.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPut, http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	handler, ok := s.router.match(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	req := newRequest(w, r)
	handler(req)

	switch req.state {
	case StateResponded:
		s.writeResponse(w, req)
	case StateAccepted:
		s.readCappedBody(w, r, req)
	default:
		s.logger.Error("handler returned without responding or accepting",
			slog.String("path", r.URL.Path))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) readCappedBody(w http.ResponseWriter, r *http.Request, req *Request) {
	sizeCap := s.cfg.ContentSizeLimit
	if sizeCap <= 0 {
		sizeCap = 1 << 20
	}

	limited := io.LimitReader(r.Body, sizeCap+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "error reading body", http.StatusInternalServerError)
		return
	}
	if int64(len(body)) > sizeCap {
		req.state = StateResponded
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	req.complete(body)
	if req.state != StateResponded {
		s.logger.Error("continuation returned without responding",
			slog.String("path", r.URL.Path))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeResponse(w, req)
}

func (s *Server) writeResponse(w http.ResponseWriter, req *Request) {
	if req.statusCode == 0 {
		req.statusCode = http.StatusOK
	}
	w.WriteHeader(req.statusCode)
	if len(req.respBody) > 0 {
		_, _ = w.Write(req.respBody)
	}
}

// Bind opens the listener (performing the TLS handshake setup, if
// configured) without serving any requests yet. Splitting Bind from
// Serve lets a config reload (§9) confirm the new daemon's listener
// can actually come up before the old daemon is torn down.
func (s *Server) Bind() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.IP, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if s.cfg.CertificateFile != "" && s.cfg.PrivateKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertificateFile, s.cfg.PrivateKeyFile)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("load TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return ln, nil
}

// Serve binds the listener and runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.Bind()
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener runs the server on an already-bound listener until ctx
// is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.inner.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.inner.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
