package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/fineftp/ftp/internal/ratelimit"
)

// Server is the FTP server.
//
// It accepts control connections and runs one session per connection.
// Sessions share the credential store, the upload gate and the roster of
// logged-in users.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown(ctx)
//
// Basic example:
//
//	store := server.NewMemoryStore()
//	_ = store.AddUser("alice", "secret", "/srv/ftp/alice")
//	s, err := server.NewServer(":21", server.WithCredentialStore(store))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	store  CredentialStore
	logger *slog.Logger

	// welcomeMessage is the text of the 220 greeting.
	welcomeMessage string

	// maxIdleTime closes sessions whose control connection stays silent.
	maxIdleTime time.Duration

	// dataTimeout bounds the wait for a passive data connection.
	dataTimeout time.Duration

	maxConnections      int
	maxConnectionsPerIP int

	// maxUploads sizes the upload gate; 0 means unlimited.
	maxUploads int
	uploads    *semaphore.Weighted

	passive    passiveListener
	publicHost string

	// signupRoot enables UADD when not empty.
	signupRoot string

	globalLimiter         *ratelimit.Limiter
	bandwidthLimitPerUser int64

	metricsCollector MetricsCollector
	pathRedactor     PathRedactor
	redactIPs        bool
	transferLog      io.Writer
	transferLogMu    sync.Mutex
	disabledCommands map[string]bool
	listingOwner     listingOwner

	roster *directory

	// activeConns tracks the number of currently active sessions.
	activeConns atomic.Int32

	// connsByIP tracks the number of active sessions per IP address.
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	sessions   sync.WaitGroup
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server with the given address and options.
// A credential store must be provided via WithCredentialStore.
//
// Default values:
//   - Logger: slog.Default()
//   - Welcome: "Welcome to fineFTP Server"
//   - MaxIdleTime: 5 minutes
//   - DataTimeout: 10 seconds
//   - MaxConcurrentUploads: 1
//   - MaxConnections: unlimited
//   - UADD: disabled
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:             addr,
		logger:           slog.Default(),
		welcomeMessage:   "Welcome to fineFTP Server",
		maxIdleTime:      5 * time.Minute,
		dataTimeout:      10 * time.Second,
		maxUploads:       1,
		disabledCommands: make(map[string]bool),
		listingOwner:     listingOwner{owner: "ftp", group: "ftp"},
		roster:           newDirectory(),
		conns:            make(map[net.Conn]struct{}),
		connsByIP:        make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.store == nil {
		return nil, fmt.Errorf("credential store is required (use WithCredentialStore option)")
	}
	if s.maxUploads > 0 {
		s.uploads = semaphore.NewWeighted(int64(s.maxUploads))
	}

	return s, nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("ftp_server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Serve accepts incoming connections on l until Shutdown is called.
// Each connection is handled in its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.listener == l {
			s.listener = nil
		}
		s.mu.Unlock()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			s.logger.Error("accept_error", "error", err, "retry_in", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.sessions.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// Shutdown stops accepting connections, closes every control connection
// and waits for sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var result *multierror.Error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	for conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// ActiveConnections returns the number of open sessions.
func (s *Server) ActiveConnections() int {
	return int(s.activeConns.Load())
}

// Sessions returns the currently authenticated sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	return s.roster.list()
}

// Users returns the usernames of authenticated sessions.
func (s *Server) Users() []string {
	list := s.roster.list()
	users := make([]string, 0, len(list))
	for _, info := range list {
		users = append(users, info.User)
	}
	return users
}

// handleConnection applies the connection limits and runs a session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.sessions.Done()

	if !s.trackConnection(conn) {
		conn.Close()
		return
	}
	defer s.untrackConnection(conn)

	ip := remoteIP(conn)

	// The slot is reserved before the check so concurrent accepts cannot
	// overshoot the limit.
	active := s.activeConns.Add(1)
	defer s.activeConns.Add(-1)

	if s.maxConnections > 0 && active > int32(s.maxConnections) {
		s.reject(conn, ip, "global_limit_reached", s.maxConnections, "421 Too many users, sorry.")
		return
	}

	if s.maxConnectionsPerIP > 0 {
		s.connsByIPMu.Lock()
		if s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
			s.connsByIPMu.Unlock()
			s.reject(conn, ip, "per_ip_limit_reached", s.maxConnectionsPerIP, "421 Too many connections from your IP address.")
			return
		}
		s.connsByIP[ip]++
		s.connsByIPMu.Unlock()

		defer func() {
			s.connsByIPMu.Lock()
			s.connsByIP[ip]--
			if s.connsByIP[ip] <= 0 {
				delete(s.connsByIP, ip)
			}
			s.connsByIPMu.Unlock()
		}()
	}

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	newSession(s, conn).serve()
}

func (s *Server) reject(conn net.Conn, ip, reason string, limit int, msg string) {
	s.logger.Warn("connection_rejected",
		"remote_ip", s.redactIP(ip),
		"reason", reason,
		"limit", limit,
	)
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(false, reason)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	fmt.Fprintf(conn, "%s\r\n", msg)
	conn.Close()
}

// trackConnection returns false if the server is shutting down.
func (s *Server) trackConnection(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConnection(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
