package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mtingers/fbmd/internal/config"
	"github.com/mtingers/fbmd/internal/listener"
	"github.com/mtingers/fbmd/internal/memory"
	"github.com/mtingers/fbmd/internal/metrics"
	"github.com/mtingers/fbmd/internal/store"
	"github.com/mtingers/fbmd/internal/wsconn"
)

// Connection rejection reasons reported to metrics.
const (
	RejectAuth           = "auth"
	RejectMaxConnections = "max_connections"
	RejectShuttingDown   = "shutting_down"
	RejectUpgrade        = "upgrade"
)

type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.Store
	handler  *store.Handler
	metrics  *metrics.Metrics
	listener *listener.Listener
	memory   memory.Manager
	upgrader websocket.Upgrader
	tls      *tls.Config

	connCount atomic.Int64
	conns     sync.Map // *wsconn.Conn → string (conn id)

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewStore creates the object store sized by cfg.
func NewStore(cfg *config.Config, log *slog.Logger) *store.Store {
	return store.New(store.Config{
		MaxObjects:     cfg.MaxObjects,
		MaxObjectSize:  cfg.MaxObjectSize,
		SerializerPool: cfg.SerializerPoolSize,
	}, log)
}

func New(cfg *config.Config, st *store.Store, m *metrics.Metrics, log *slog.Logger) (*Server, error) {
	hasCert := cfg.TLSCert != ""
	hasKey := cfg.TLSKey != ""
	if hasCert != hasKey {
		return nil, fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}
	var tlsCfg *tls.Config
	if hasCert {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		tlsCfg = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	var mem memory.Manager = memory.Heap{}
	if cfg.PooledMemory {
		mem = memory.NewPooledHeap()
	}

	l, err := listener.New(listener.Options{
		RecvBufferSize:      cfg.RecvBufferSize,
		MaxHeaderBufferSize: cfg.MaxHeaderBuffer,
		ResponseBufferSize:  cfg.ResponseBufferSize,
		HeaderEncoding:      cfg.HeaderEncoding,
		MaxMessageSize:      cfg.MaxMessageSize,
		SendTimeout:         cfg.SendTimeout,
		ContextPoolSize:     cfg.ContextPoolSize,
		Memory:              mem,
		Observer:            m,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  m,
		listener: l,
		memory:   mem,
		tls:      tlsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.RecvBufferSize,
			WriteBufferSize: cfg.ResponseBufferSize,
			// FBM peers are programs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	h := store.NewHandler(st, log)
	h.AbortOnInvalid = cfg.AbortOnInvalid
	h.AllowPartialHeaders = cfg.AllowPartialHeaders
	h.ExtraStats = s.extraStats
	s.handler = h

	m.WatchSerializer("store", st.Serializer().Stats)
	return s, nil
}

// Connections returns the number of open FBM connections.
func (s *Server) Connections() int64 { return s.connCount.Load() }

func (s *Server) extraStats() map[string]any {
	out := map[string]any{"connections": s.connCount.Load()}
	if p, ok := s.memory.(*memory.PooledHeap); ok {
		out["memory"] = p.Stats()
	}
	return out
}

// Handler returns the HTTP routes: the FBM endpoint at cfg.Path and the
// Prometheus scrape endpoint at /metrics.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.serveFBM(ctx, w, r)
	})
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.log.Info("listening", "addr", addr, "path", s.cfg.Path)
	return s.serve(ctx, ln)
}

// RunOnListener starts the server on a pre-existing listener (for testing).
func (s *Server) RunOnListener(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr(), "path", s.cfg.Path)
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
		s.log.Info("TLS enabled")
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.drain()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "err", err)
		srv.Close()
	}
	s.drain()
	return nil
}

// drain waits for all connections to finish, force-closing them if the
// shutdown timeout expires.
func (s *Server) drain() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.log.Info("shutting down, draining connections", "connections", s.connCount.Load())

	if s.cfg.ShutdownTimeout <= 0 {
		s.wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown timeout reached, force-closing connections")
		s.conns.Range(func(key, _ any) bool {
			if c, ok := key.(*wsconn.Conn); ok {
				c.Close(listener.CloseGoingAway, "shutdown")
			}
			return true
		})
		<-done
	}
}

// token extracts the client token from an "Authorization: Bearer" header
// or the "token" query parameter.
func token(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if t, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}

// admit reserves a connection slot. The returned release func must be called
// once the connection is done.
func (s *Server) admit() (func(), string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, RejectShuttingDown
	}
	n := s.connCount.Add(1)
	if limit := s.cfg.MaxConnections; limit > 0 && n > int64(limit) {
		s.connCount.Add(-1)
		return nil, RejectMaxConnections
	}
	s.wg.Add(1)
	return func() {
		s.connCount.Add(-1)
		s.wg.Done()
	}, ""
}

func (s *Server) serveFBM(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	peer := r.RemoteAddr

	if s.cfg.AuthToken != "" &&
		subtle.ConstantTimeCompare([]byte(token(r)), []byte(s.cfg.AuthToken)) != 1 {
		s.log.Warn("auth failed", "peer", peer)
		s.metrics.ConnRejected(RejectAuth)
		// Small delay to slow down brute-force attempts.
		time.Sleep(100 * time.Millisecond)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	release, reason := s.admit()
	if release == nil {
		s.log.Warn("rejecting connection", "peer", peer, "reason", reason, "max", s.cfg.MaxConnections)
		s.metrics.ConnRejected(reason)
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("upgrade failed", "peer", peer, "err", err)
		s.metrics.ConnRejected(RejectUpgrade)
		return
	}

	connID := uuid.NewString()
	conn := wsconn.New(ws, wsconn.Options{
		WriteWait:    s.cfg.SendTimeout,
		PingInterval: s.cfg.PingInterval,
	})
	s.conns.Store(conn, connID)
	s.metrics.ConnOpened()
	s.log.Debug("client connected", "peer", peer, "conn_id", connID)

	defer func() {
		s.conns.Delete(conn)
		s.metrics.ConnClosed()
		conn.Close(listener.CloseNormal, "")
	}()

	// ctx is the server context, so shutdown reaches every connection.
	err = s.listener.ListenAndWait(ctx, conn, connID, s.handler)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.log.Debug("client closed", "peer", peer, "conn_id", connID)
	default:
		s.log.Info("connection ended", "peer", peer, "conn_id", connID, "err", err)
	}
}
