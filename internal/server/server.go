// Package server owns the TCP listener. It admits connections against the
// configured limit, builds a session for each one (pooled or fresh), keeps
// the (pid, secret) registry behind the cancel-request handshake, and runs
// one protocol machine per connection. Protocol semantics live in the
// machine; the server only manages lifecycles.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/The-DevOps-Daily/pg-wire-mock/internal/hub"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pgerr"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/pool"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/protocol"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/query"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/session"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/stats"
	"github.com/The-DevOps-Daily/pg-wire-mock/internal/wire"
)

// refusalTimeout bounds the startup exchange of a connection that is being
// turned away, so a silent client cannot pin the refusal goroutine.
const refusalTimeout = 5 * time.Second

// maxRefusalAttempts bounds the SSL/GSS loop during a refusal, mirroring the
// machine's startup negotiation bound.
const maxRefusalAttempts = 3

// Config carries the listener settings and the server's collaborators.
// Dispatcher is required; Hub, Pool, Stats and Logger may be nil.
type Config struct {
	Host string
	Port int

	// MaxConnections caps admitted connections. Zero means unlimited.
	MaxConnections int

	// ConnectionTimeout bounds the time between accept and a completed
	// startup handshake. Zero disables the deadline.
	ConnectionTimeout time.Duration

	// ShutdownTimeout bounds Shutdown when its context carries no
	// deadline of its own.
	ShutdownTimeout time.Duration

	Dispatcher *query.Dispatcher
	Hub        *hub.Hub
	Pool       *pool.Pool
	Stats      stats.Stats
	Logger     *slog.Logger
}

// Server accepts wire-protocol connections and serves each on its own
// goroutine until the client terminates or Shutdown fires.
type Server struct {
	cfg     Config
	log     *slog.Logger
	queries *query.Dispatcher
	hub     *hub.Hub
	pool    *pool.Pool
	stats   stats.Stats

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	listener net.Listener
	sessions map[uint32]*session.Session
	active   int
	closing  bool
}

// New builds a server. Start binds the listener.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      log,
		queries:  cfg.Dispatcher,
		hub:      cfg.Hub,
		pool:     cfg.Pool,
		stats:    stats.OrNop(cfg.Stats),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint32]*session.Session),
	}
}

// Start binds the listener and begins accepting on a background goroutine.
// It returns once the address is bound, so Addr is valid afterwards.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server: already shut down")
	}
	if s.listener != nil {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server: already started")
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("wire server listening",
		"addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"pooled", s.pool != nil)

	s.group.Go(func() error {
		return s.serve(ln)
	})
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.group.Go(func() error {
			s.handle(conn)
			return nil
		})
	}
}

// handle runs one accepted connection from admission to cleanup.
func (s *Server) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if s.cfg.MaxConnections > 0 && s.active >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.log.Warn("connection refused at limit",
			"remote", remote, "limit", s.cfg.MaxConnections)
		s.refuse(conn)
		return
	}
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	start := time.Now()
	s.stats.ConnectionOpened()
	defer func() { s.stats.ConnectionClosed(time.Since(start)) }()

	sess, pooled, err := s.obtainSession(remote)
	if err != nil {
		s.log.Warn("no session available", "remote", remote, "error", err)
		s.refuse(conn)
		return
	}

	sess.Attach(conn)
	s.register(sess)
	defer s.unregister(sess)

	m := protocol.New(conn, sess, protocol.Config{
		Dispatcher:     s.queries,
		Hub:            s.hub,
		Stats:          s.stats,
		Logger:         s.log,
		Cancel:         s.CancelSession,
		StartupTimeout: s.cfg.ConnectionTimeout,
	})
	if err := m.Run(s.ctx); err != nil {
		s.log.Warn("connection ended with error",
			"remote", remote, "session", sess.ID(), "error", err)
	}

	s.release(conn, sess, pooled, remote)
}

// obtainSession acquires a pooled session or creates a fresh one.
func (s *Server) obtainSession(clientID string) (*session.Session, *pool.PooledConn, error) {
	if s.pool == nil {
		return session.New(), nil, nil
	}
	pc, err := s.pool.Acquire(s.ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	return pc.Session(), pc, nil
}

// release puts a pooled session back or closes a fresh one. A session that
// came back mid-transaction or still holding statements is destroyed rather
// than requeued.
func (s *Server) release(conn net.Conn, sess *session.Session, pooled *pool.PooledConn, clientID string) {
	if pooled == nil {
		sess.Close()
		return
	}

	if sess.IsReusable() {
		if err := sess.ResetForReuse(); err == nil {
			sess.MarkDisconnected()
			conn.Close()
			if err := s.pool.Release(pooled.ID(), clientID); err != nil {
				s.log.Warn("pool release failed", "id", pooled.ID(), "error", err)
			}
			return
		}
	}

	conn.Close()
	if err := s.pool.Destroy(pooled.ID()); err != nil {
		s.log.Warn("pool destroy failed", "id", pooled.ID(), "error", err)
	}
}

// refuse reads a turned-away client's startup exchange far enough to answer
// it: encryption requests get the refusal byte so the client retries in the
// clear and sees the real error, cancel requests are still serviced, and a
// genuine startup packet is answered with FATAL 53300 before the close.
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(refusalTimeout))

	r := wire.NewReader(conn)
	for attempt := 0; attempt <= maxRefusalAttempts; attempt++ {
		frame, err := r.ReadStartupFrame()
		if err != nil {
			return
		}
		cur := wire.NewCursor(frame.Payload)
		version, err := cur.Uint32()
		if err != nil {
			return
		}
		switch version {
		case wire.SSLRequestCode, wire.GSSEncRequestCode:
			if _, err := conn.Write(wire.SSLRefusal()); err != nil {
				return
			}
		case wire.CancelRequestCode:
			s.cancelFromCursor(cur)
			return
		default:
			conn.Write(wire.ErrorResponse(pgerr.Fatal(
				pgerr.CodeTooManyConnections, "sorry, too many clients already")))
			return
		}
	}
}

func (s *Server) cancelFromCursor(cur *wire.Cursor) {
	pid, err := cur.Uint32()
	if err != nil {
		return
	}
	secret, err := cur.Uint32()
	if err != nil {
		return
	}
	s.CancelSession(pid, secret)
}

func (s *Server) register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.BackendPid()] = sess
}

func (s *Server) unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.BackendPid()]; ok && cur == sess {
		delete(s.sessions, sess.BackendPid())
	}
}

// CancelSession resolves a cancel-request key pair against the registry. On
// a match the session's cancel hook fires; cancellation stays best-effort
// because canned queries complete synchronously. The result is never
// reported to the requesting client.
func (s *Server) CancelSession(pid, secret uint32) bool {
	s.mu.Lock()
	sess, ok := s.sessions[pid]
	s.mu.Unlock()
	if !ok || sess.BackendSecret() != secret {
		return false
	}
	sess.RequestCancel()
	s.log.Info("cancel request matched", "pid", pid, "session", sess.ID())
	return true
}

// ConnectionCount reports how many connections are currently admitted,
// including those still in their startup handshake.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Sessions snapshots every registered session, ordered by backend pid, for
// the admin API.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	out := make([]session.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BackendPid < out[j].BackendPid })
	return out
}

// Shutdown stops accepting, closes every conversation through the serve
// context, and waits for the connection goroutines. The wait is bounded by
// ctx, or by ShutdownTimeout when ctx has no deadline. Safe to call more
// than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosing := s.closing
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if !alreadyClosing {
		if ln != nil {
			ln.Close()
		}
		// Every machine holds a context.AfterFunc that closes its socket,
		// so canceling here unblocks all pending reads.
		s.cancel()
	}

	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("wire server stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("shutdown wait expired with connections still open")
		return ctx.Err()
	}
}
