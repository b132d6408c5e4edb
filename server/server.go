package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Server is the FTP server.
//
// It handles listening for incoming connections and dispatching them to
// client sessions. Each connection runs in its own goroutine and processes
// its commands strictly in order.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Server runs until Shutdown is called or the listener fails
//
// Basic example:
//
//	driver := server.NewLocalDriver("/srv/ftp")
//	s, err := server.NewServer(":21", server.WithDriver(driver))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	// addr is the TCP address to listen on (e.g., ":21").
	addr string

	// driver is the storage backend for authentication and file operations.
	driver Driver

	// logger is the logger instance.
	logger *slog.Logger

	// tlsConfig is used to upgrade the control connection after AUTH TLS.
	// If nil, AUTH TLS is acknowledged but the connection stays in clear.
	tlsConfig *tls.Config

	// welcomeMessage is the banner sent with the 220 reply on connection.
	welcomeMessage string

	// serverName is the system type returned by the SYST command.
	serverName string

	// maxIdleTime is the maximum time a connection can wait for a command.
	maxIdleTime time.Duration

	// writeTimeout is the deadline for writing a reply. If 0, none applies.
	writeTimeout time.Duration

	// dataTimeout bounds how long a transfer waits for the client to
	// connect to the passive port.
	dataTimeout time.Duration

	// passive holds the passive mode address and port range.
	passive Settings

	// nextPassivePort rotates the start of the passive port search.
	nextPassivePort atomic.Int32

	// publicIP caches the resolved passive.PublicHost.
	publicIPOnce sync.Once
	publicIP     net.IP

	maxConnections      int
	maxConnectionsPerIP int

	// activeConns tracks the number of currently active control connections.
	activeConns atomic.Int32

	// connsByIP tracks the number of active control connections per IP address.
	connsByIP   map[string]int32
	connsByIPMu sync.Mutex

	// disabledCommands are answered with 502 as if they didn't exist.
	disabledCommands map[string]bool

	metricsCollector MetricsCollector
	pathRedactor     PathRedactor
	redactIPs        bool

	// globalLimiter is shared by the transfers of all sessions.
	globalLimiter *rate.Limiter

	// sessionBandwidth is the per-session transfer rate in bytes per second.
	sessionBandwidth int64

	// now is the clock used to render listing stamps.
	now func() time.Time

	// Shutdown handling
	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	inShutdown atomic.Bool
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// The driver must be provided via the WithDriver option.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - DataTimeout: 10 seconds
//   - MaxConnections: 0 (unlimited)
//   - TLS: disabled
//
// With connection limits:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithMaxConnections(100, 10), // Max 100 total, 10 per IP
//	    server.WithMaxIdleTime(10*time.Minute),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:             addr,
		logger:           slog.Default(),
		welcomeMessage:   "FTP Server Ready",
		serverName:       "UNIX Type: L8",
		maxIdleTime:      5 * time.Minute,
		dataTimeout:      10 * time.Second,
		disabledCommands: make(map[string]bool),
		now:              time.Now,
		conns:            make(map[net.Conn]struct{}),
		connsByIP:        make(map[string]int32),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, fmt.Errorf("driver is required (use WithDriver option)")
	}

	return s, nil
}

// ListenAndServe starts the FTP server on the configured address.
// It blocks until the server stops or an error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String())
	return s.Serve(ln)
}

// Shutdown stops the server.
//
// It closes the listener and immediately closes all active connections,
// control and data alike.
func (s *Server) Shutdown() error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for conn := range maps.Keys(conns) {
		conn.Close()
	}

	return err
}

// Serve accepts incoming connections on the listener l.
// It blocks until the listener is closed or Shutdown is called.
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

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept_failed", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection enforces connection limits and runs a session.
func (s *Server) handleConnection(conn net.Conn) {
	ip := remoteIP(conn)

	if reason, msg := s.admit(ip); reason != "" {
		s.logger.Warn("connection_rejected",
			"remote_ip", s.redactIP(ip),
			"reason", reason,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, reason)
		}
		_ = writeReply(conn, 421, msg)
		conn.Close()
		return
	}
	defer s.release(ip)

	if !s.trackConnection(conn, true) {
		return
	}
	defer s.trackConnection(conn, false)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	newSession(s, conn).serve()
}

// admit reserves a connection slot for ip. On rejection it returns the
// reason for the logs and the text of the 421 reply.
func (s *Server) admit(ip string) (reason, msg string) {
	if s.maxConnections > 0 {
		if s.activeConns.Add(1) > int32(s.maxConnections) {
			s.activeConns.Add(-1)
			return "global_limit_reached", "Too many users, sorry."
		}
	} else {
		s.activeConns.Add(1)
	}

	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	if s.maxConnectionsPerIP > 0 && s.connsByIP[ip] >= int32(s.maxConnectionsPerIP) {
		s.activeConns.Add(-1)
		return "per_ip_limit_reached", "Too many connections from your IP address."
	}
	s.connsByIP[ip]++
	return "", ""
}

func (s *Server) release(ip string) {
	s.activeConns.Add(-1)

	s.connsByIPMu.Lock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
	s.connsByIPMu.Unlock()
}

// trackConnection registers or forgets a connection so Shutdown can close
// it. It returns false, closing conn, if the server is shutting down.
func (s *Server) trackConnection(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.inShutdown.Load() {
			conn.Close()
			return false
		}
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	return true
}

// advertisedIP returns the IPv4 address sent in 227 replies. The configured
// public host wins; otherwise the control connection's local address is used.
func (s *Server) advertisedIP(local net.IP) net.IP {
	if s.passive.PublicHost == "" {
		return local
	}
	s.publicIPOnce.Do(func() {
		if ip := net.ParseIP(s.passive.PublicHost); ip != nil {
			s.publicIP = ip
			return
		}
		ips, err := net.LookupIP(s.passive.PublicHost)
		if err != nil {
			s.logger.Warn("public_host_unresolved",
				"host", s.passive.PublicHost,
				"error", err,
			)
			return
		}
		for _, ip := range ips {
			if ip.To4() != nil {
				s.publicIP = ip
				return
			}
		}
	})
	if s.publicIP == nil {
		return local
	}
	return s.publicIP
}

func (s *Server) redactPath(p string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(p)
	}
	return p
}

func (s *Server) redactIP(ip string) string {
	if s.redactIPs {
		return "*"
	}
	return ip
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}
